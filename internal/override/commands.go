package override

import (
	"fmt"
	"regexp"
	"strings"
)

// CommandKind is a recognized slash command.
type CommandKind string

const (
	CmdCancelAutofix CommandKind = "cancel-autofix"
	CmdNotSpam       CommandKind = "not-spam"
	CmdNotDuplicate  CommandKind = "not-duplicate"
	CmdUndoLast      CommandKind = "undo-last"
	CmdForceRetry    CommandKind = "force-retry"
	CmdSkipReview    CommandKind = "skip-review"
	CmdApprove       CommandKind = "approve"
	CmdReject        CommandKind = "reject"
	CmdStatus        CommandKind = "status"
	CmdHelp          CommandKind = "help"
)

// commandPattern matches a leading slash-token; anything after the token on
// the same line is carried as the argument string.
var commandPattern = regexp.MustCompile(`^\s*/([a-z][a-z-]*)\b[ \t]*(.*)$`)

// Command is a parsed comment command.
type Command struct {
	Kind CommandKind
	// Args is the trailing text on the command line, trimmed.
	Args string
}

var knownCommands = map[string]CommandKind{
	string(CmdCancelAutofix): CmdCancelAutofix,
	string(CmdNotSpam):       CmdNotSpam,
	string(CmdNotDuplicate):  CmdNotDuplicate,
	string(CmdUndoLast):      CmdUndoLast,
	string(CmdForceRetry):    CmdForceRetry,
	string(CmdSkipReview):    CmdSkipReview,
	string(CmdApprove):       CmdApprove,
	string(CmdReject):        CmdReject,
	string(CmdStatus):        CmdStatus,
	string(CmdHelp):          CmdHelp,
}

// commandTypes maps state-changing commands to their ledger record type.
var commandTypes = map[CommandKind]Type{
	CmdCancelAutofix: TypeCancelAutofix,
	CmdNotSpam:       TypeNotSpam,
	CmdNotDuplicate:  TypeNotDuplicate,
	CmdForceRetry:    TypeForceRetry,
	CmdSkipReview:    TypeSkipReview,
	CmdApprove:       TypeApproveSpec,
	CmdReject:        TypeRejectSpec,
}

// ParseCommand extracts a command from a comment body. Only the first line is
// considered; a comment that merely mentions a command mid-text is not one.
func ParseCommand(body string) (*Command, bool) {
	line := body
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	m := commandPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	kind, ok := knownCommands[m[1]]
	if !ok {
		return nil, false
	}
	return &Command{Kind: kind, Args: strings.TrimSpace(m[2])}, true
}

// CommandContext carries who issued the command against what.
type CommandContext struct {
	Actor       string
	IssueNumber int
	PRNumber    int
	// CurrentState names the automation state the command overrides, e.g.
	// the triage classification being contested.
	CurrentState string
}

// Outcome describes the effect of an executed command. Read-only commands
// (/status, /help) produce a Reply and no Record.
type Outcome struct {
	Record *Record
	Reply  string
}

// Execute applies a parsed command: state-changing kinds land in the ledger
// and (for /cancel-autofix) the grace-period file; /status and /help only
// report. Unauthorized callers must be rejected before this point.
func (m *Manager) Execute(cmd *Command, cc CommandContext) (*Outcome, error) {
	switch cmd.Kind {
	case CmdHelp:
		return &Outcome{Reply: HelpText()}, nil

	case CmdStatus:
		reply, err := m.statusReply(cc.IssueNumber, cc.PRNumber)
		if err != nil {
			return nil, err
		}
		return &Outcome{Reply: reply}, nil

	case CmdUndoLast:
		rec, err := m.UndoLast(cc.IssueNumber, cc.PRNumber, cc.Actor)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Record: rec,
			Reply:  fmt.Sprintf("Reverted override %s: state restored to %q.", rec.UndoesID, rec.NewState),
		}, nil

	case CmdCancelAutofix:
		if _, err := m.CancelGracePeriod(cc.IssueNumber, cc.Actor); err != nil {
			return nil, err
		}
		rec, err := m.RecordOverride(Record{
			Type:          TypeCancelAutofix,
			Actor:         cc.Actor,
			IssueNumber:   cc.IssueNumber,
			PRNumber:      cc.PRNumber,
			OriginalState: "autofix_pending",
			NewState:      "autofix_cancelled",
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Record: rec, Reply: "Auto-fix cancelled."}, nil

	default:
		typ, ok := commandTypes[cmd.Kind]
		if !ok {
			return nil, fmt.Errorf("unhandled command /%s", cmd.Kind)
		}
		rec, err := m.RecordOverride(Record{
			Type:          typ,
			Actor:         cc.Actor,
			IssueNumber:   cc.IssueNumber,
			PRNumber:      cc.PRNumber,
			OriginalState: cc.CurrentState,
			NewState:      newStateFor(typ),
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Record: rec, Reply: fmt.Sprintf("Recorded %s override.", typ)}, nil
	}
}

// newStateFor names the state an override moves the item into.
func newStateFor(t Type) string {
	switch t {
	case TypeNotSpam:
		return "not_spam"
	case TypeNotDuplicate:
		return "not_duplicate"
	case TypeNotFeatureCreep:
		return "not_feature_creep"
	case TypeForceRetry:
		return "retry_requested"
	case TypeSkipReview:
		return "review_skipped"
	case TypeApproveSpec:
		return "spec_approved"
	case TypeRejectSpec:
		return "spec_rejected"
	default:
		return string(t)
	}
}

// statusReply summarizes the grace period and recent overrides for the refs.
func (m *Manager) statusReply(issue, pr int) (string, error) {
	var b strings.Builder
	if issue != 0 {
		entry, err := m.GracePeriodFor(issue)
		if err != nil {
			return "", err
		}
		switch {
		case entry == nil:
			fmt.Fprintf(&b, "No grace period recorded for issue #%d.\n", issue)
		case entry.Cancelled:
			fmt.Fprintf(&b, "Grace period for issue #%d cancelled by %s.\n", issue, entry.CancelledBy)
		case entry.Valid(m.now().UTC()):
			fmt.Fprintf(&b, "Grace period for issue #%d active until %s.\n",
				issue, entry.ExpiresAt.Format("15:04:05 MST"))
		default:
			fmt.Fprintf(&b, "Grace period for issue #%d expired.\n", issue)
		}
	}

	last, err := m.LatestFor(issue, pr)
	if err != nil {
		return "", err
	}
	if last == nil {
		b.WriteString("No overrides recorded.")
	} else {
		fmt.Fprintf(&b, "Last override: %s by %s at %s.",
			last.Type, last.Actor, last.Timestamp.Format("2006-01-02 15:04 MST"))
	}
	return b.String(), nil
}

// HelpText lists the recognized commands.
func HelpText() string {
	return strings.TrimSpace(`
Available commands:
  /cancel-autofix  cancel the pending auto-fix for this issue
  /not-spam        override a spam classification
  /not-duplicate   override a duplicate classification
  /undo-last       revert the most recent override on this issue/PR
  /force-retry     re-run the failed automation step
  /skip-review     skip automated review for this PR
  /approve         approve the generated spec
  /reject          reject the generated spec
  /status          show automation state for this issue/PR
  /help            show this message
`)
}
