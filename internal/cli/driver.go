package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoclaude/autoclaude/internal/agent"
	"github.com/autoclaude/autoclaude/internal/audit"
	"github.com/autoclaude/autoclaude/internal/batch"
	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/gitx"
	"github.com/autoclaude/autoclaude/internal/hosting"
	"github.com/autoclaude/autoclaude/internal/pipeline"
	"github.com/autoclaude/autoclaude/internal/review"
)

// worktreeRetention is how long an idle worktree survives --cleanup-worktrees.
const worktreeRetention = 30 * 24 * time.Hour

// batchRetention is how long a terminal batch survives --batch-cleanup.
const batchRetention = 30 * 24 * time.Hour

type driverFlags struct {
	list          bool
	spec          string
	projectDir    string
	model         string
	thinking      string
	maxIterations int
	verbose       bool

	isolated bool
	direct   bool

	merge        bool
	noCommit     bool
	review       bool
	discard      bool
	createPR     bool
	prTarget     string
	prTitle      string
	prDraft      bool
	mergePreview bool

	qa       bool
	qaStatus bool
	skipQA   bool

	followup     bool
	reviewStatus bool
	autoContinue bool
	force        bool

	listWorktrees    bool
	cleanupWorktrees bool
	baseBranch       string

	batchCreate  string
	batchStatus  bool
	batchCleanup bool
	noDryRun     bool
}

func (f *driverFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.BoolVar(&f.list, "list", false, "list specs")
	fs.StringVar(&f.spec, "spec", "", "spec id or slug for per-spec operations")
	fs.StringVar(&f.projectDir, "project-dir", "", "repository root (default: current directory)")
	fs.StringVar(&f.model, "model", "", "agent model override")
	fs.StringVar(&f.thinking, "thinking", "", "agent thinking level")
	fs.IntVar(&f.maxIterations, "max-iterations", 0, "review fix-iteration budget override")
	fs.BoolVar(&f.verbose, "verbose", false, "verbose logging")

	fs.BoolVar(&f.isolated, "isolated", false, "run in an isolated worktree")
	fs.BoolVar(&f.direct, "direct", false, "run in the main checkout")

	fs.BoolVar(&f.merge, "merge", false, "merge the spec worktree into the base branch")
	fs.BoolVar(&f.noCommit, "no-commit", false, "stage the merge without committing")
	fs.BoolVar(&f.review, "review", false, "show the pending changes for human review")
	fs.BoolVar(&f.discard, "discard", false, "discard the spec worktree and branch")
	fs.BoolVar(&f.createPR, "create-pr", false, "push the branch and open a pull request")
	fs.StringVar(&f.prTarget, "pr-target", "", "pull request base branch")
	fs.StringVar(&f.prTitle, "pr-title", "", "pull request title")
	fs.BoolVar(&f.prDraft, "pr-draft", false, "open the pull request as a draft")
	fs.BoolVar(&f.mergePreview, "merge-preview", false, "print a JSON merge preview without writing")

	fs.BoolVar(&f.qa, "qa", false, "run the QA agent against the built spec")
	fs.BoolVar(&f.qaStatus, "qa-status", false, "print the QA report")
	fs.BoolVar(&f.skipQA, "skip-qa", false, "record a QA skip")

	fs.BoolVar(&f.followup, "followup", false, "process FOLLOWUP_REQUEST.md for the spec")
	fs.BoolVar(&f.reviewStatus, "review-status", false, "print PR review orchestration state")
	fs.BoolVar(&f.autoContinue, "auto-continue", false, "continue past checkpoints that already hold a valid approval")
	fs.BoolVar(&f.force, "force", false, "bypass the approval checkpoint (recorded in the audit log)")

	fs.BoolVar(&f.listWorktrees, "list-worktrees", false, "list task worktrees")
	fs.BoolVar(&f.cleanupWorktrees, "cleanup-worktrees", false, "remove worktrees idle past the retention window")
	fs.StringVar(&f.baseBranch, "base-branch", "", "base branch override")

	fs.StringVar(&f.batchCreate, "batch-create", "", "group the issues in `FILE` into batches")
	fs.BoolVar(&f.batchStatus, "batch-status", false, "list issue batches")
	fs.BoolVar(&f.batchCleanup, "batch-cleanup", false, "remove old terminal batches (dry run by default)")
	fs.BoolVar(&f.noDryRun, "no-dry-run", false, "apply batch cleanup instead of reporting")
}

// specOps are the operations that require --spec.
var specOps = map[string]bool{
	"merge": true, "review": true, "discard": true, "create-pr": true,
	"merge-preview": true, "qa": true, "qa-status": true, "skip-qa": true,
	"followup": true,
}

// action validates flag grouping and returns the single selected operation.
func (f *driverFlags) action() (string, error) {
	var chosen []string
	pick := func(name string, on bool) {
		if on {
			chosen = append(chosen, name)
		}
	}
	pick("list", f.list)
	pick("merge", f.merge)
	pick("review", f.review)
	pick("discard", f.discard)
	pick("create-pr", f.createPR)
	pick("merge-preview", f.mergePreview)
	pick("qa", f.qa)
	pick("qa-status", f.qaStatus)
	pick("skip-qa", f.skipQA)
	pick("followup", f.followup)
	pick("review-status", f.reviewStatus)
	pick("list-worktrees", f.listWorktrees)
	pick("cleanup-worktrees", f.cleanupWorktrees)
	pick("batch-create", f.batchCreate != "")
	pick("batch-status", f.batchStatus)
	pick("batch-cleanup", f.batchCleanup)

	switch len(chosen) {
	case 0:
		return "", fmt.Errorf("no operation requested (try --list, or --help for the full surface)")
	case 1:
	default:
		return "", fmt.Errorf("flags --%s and --%s are mutually exclusive", chosen[0], chosen[1])
	}
	op := chosen[0]

	if f.isolated && f.direct {
		return "", fmt.Errorf("flags --isolated and --direct are mutually exclusive")
	}
	if specOps[op] && f.spec == "" {
		return "", fmt.Errorf("--%s requires --spec", op)
	}
	if f.noCommit && op != "merge" {
		return "", fmt.Errorf("--no-commit only applies to --merge")
	}
	if (f.prTarget != "" || f.prTitle != "" || f.prDraft) && op != "create-pr" {
		return "", fmt.Errorf("--pr-target, --pr-title, and --pr-draft only apply to --create-pr")
	}
	if f.noDryRun && op != "batch-cleanup" {
		return "", fmt.Errorf("--no-dry-run only applies to --batch-cleanup")
	}
	return op, nil
}

// driver holds the resolved environment for one invocation.
type driver struct {
	flags *driverFlags
	cfg   *config.Config
	paths config.Paths
	root  string
	out   io.Writer
}

func runDriver(ctx context.Context, out io.Writer, flags *driverFlags) error {
	op, err := flags.action()
	if err != nil {
		return err
	}

	root := flags.projectDir
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	if flags.baseBranch != "" {
		cfg.BaseBranch = flags.baseBranch
	}
	if flags.model != "" {
		cfg.Model = flags.model
	}
	if flags.thinking != "" {
		cfg.Thinking = flags.thinking
	}
	if flags.maxIterations > 0 {
		cfg.Review.MaxIterations = flags.maxIterations
	}

	d := &driver{flags: flags, cfg: cfg, paths: config.NewPaths(root), root: root, out: out}

	switch op {
	case "list":
		return d.listSpecs()
	case "merge":
		return d.mergeSpec(ctx)
	case "review":
		return d.reviewSpec(ctx)
	case "discard":
		return d.discardSpec(ctx)
	case "create-pr":
		return d.createPR(ctx)
	case "merge-preview":
		return d.mergePreviewJSON(ctx)
	case "qa":
		return d.runQA(ctx)
	case "qa-status":
		return d.qaStatus()
	case "skip-qa":
		return d.skipQA()
	case "followup":
		return d.runFollowup(ctx)
	case "review-status":
		return d.reviewStatus()
	case "list-worktrees":
		return d.listWorktrees(ctx)
	case "cleanup-worktrees":
		return d.cleanupWorktrees(ctx)
	case "batch-create":
		return d.batchCreate(ctx)
	case "batch-status":
		return d.batchStatus()
	case "batch-cleanup":
		return d.batchCleanup()
	}
	return fmt.Errorf("unknown operation %q", op)
}

func (d *driver) git() *gitx.Manager {
	var opts []gitx.Option
	if d.cfg.BaseBranch != "" {
		opts = append(opts, gitx.WithBaseBranch(d.cfg.BaseBranch))
	}
	return gitx.NewManager(d.root, opts...)
}

func (d *driver) agentClient() agent.Client {
	var opts []agent.CLIOption
	if d.cfg.Model != "" {
		opts = append(opts, agent.WithModel(d.cfg.Model))
	}
	return agent.NewCLIClient(opts...)
}

func (d *driver) auditLogger() *audit.Logger {
	logger, err := audit.NewLogger(audit.Options{
		Dir:          d.paths.AuditDir(),
		MaxFileBytes: d.cfg.Audit.MaxFileBytes,
		Retention:    d.cfg.Audit.Retention,
	})
	if err != nil {
		return nil
	}
	return logger
}

func (d *driver) mergeSpec(ctx context.Context) error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}
	result, err := d.git().Merge(ctx, spec.Slug, gitx.MergeOptions{NoCommit: d.flags.noCommit})
	if err != nil {
		return err
	}
	switch {
	case result.AlreadyUpToDate:
		fmt.Fprintf(d.out, "%s: already up to date\n", spec.Name)
	case d.flags.noCommit:
		fmt.Fprintf(d.out, "%s: merge staged, commit when ready\n", spec.Name)
	default:
		fmt.Fprintf(d.out, "%s: merged\n", spec.Name)
	}
	for _, path := range result.Unstaged {
		fmt.Fprintf(d.out, "  unstaged task artifact: %s\n", path)
	}
	return nil
}

func (d *driver) reviewSpec(ctx context.Context) error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}
	m := d.git()
	preview, err := m.MergePreviewFor(ctx, spec.Slug)
	if err != nil {
		return err
	}
	stats, err := m.StatsFor(ctx, spec.Slug)
	if err != nil {
		return err
	}

	fmt.Fprintf(d.out, "%s\n", heading(fmt.Sprintf("%s → %s", preview.Branch, preview.Base)))
	fmt.Fprintf(d.out, "%d commits, %d files, +%d/-%d\n\n",
		stats.CommitCount, stats.FilesChanged, stats.Insertions, stats.Deletions)
	for _, file := range preview.Files {
		marker := "  "
		if contains(preview.Conflicts, file) {
			marker = "! "
		}
		fmt.Fprintf(d.out, "%s%s\n", marker, file)
	}
	if len(preview.Conflicts) > 0 {
		fmt.Fprintf(d.out, "\n%d file(s) also changed on %s (conflict candidates, marked !)\n",
			len(preview.Conflicts), preview.Base)
	}
	return nil
}

func (d *driver) discardSpec(ctx context.Context) error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}
	if err := d.git().Remove(ctx, spec.Slug, true); err != nil {
		return err
	}
	fmt.Fprintf(d.out, "%s: worktree and branch removed\n", spec.Name)
	return nil
}

func (d *driver) mergePreviewJSON(ctx context.Context) error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}
	preview, err := d.git().MergePreviewFor(ctx, spec.Slug)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(d.out)
	enc.SetIndent("", "  ")
	return enc.Encode(preview)
}

func (d *driver) createPR(ctx context.Context) error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}

	if _, err := pipeline.CheckApproval(spec.Dir); err != nil {
		if !d.flags.force {
			return fmt.Errorf("plan for %s has no valid approval (use --force to bypass, audited): %w", spec.Name, err)
		}
		if log := d.auditLogger(); log != nil {
			log.Append(audit.Entry{
				Action:    "approval.bypass",
				ActorType: audit.ActorUser,
				Result:    audit.ResultGranted,
				Details:   map[string]any{"spec": spec.Name, "flag": "--force"},
			})
			log.Close()
		}
	}

	m := d.git()
	if err := m.PushBranch(ctx, spec.Slug); err != nil {
		return err
	}

	base := d.flags.prTarget
	if base == "" {
		if base, err = m.BaseBranch(ctx); err != nil {
			return err
		}
	}
	title := d.flags.prTitle
	if title == "" {
		title = spec.Name
	}

	gh := hosting.NewGHClient(d.root)
	number, url, err := gh.CreatePR(ctx, hosting.PRCreateOptions{
		Title: title,
		Body:  fmt.Sprintf("Generated from spec `%s`.", spec.Name),
		Head:  gitx.BranchName(spec.Slug),
		Base:  base,
		Draft: d.flags.prDraft,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "PR #%d created: %s\n", number, url)
	return nil
}

func (d *driver) reviewStatus() error {
	store := review.NewStore(d.root, d.repoSlug())
	index, err := store.Index()
	if err != nil {
		return err
	}
	if len(index) == 0 {
		fmt.Fprintln(d.out, "No PR review orchestrations recorded.")
		return nil
	}
	rows := [][]string{{"PR", "STATUS", "UPDATED"}}
	for key, entry := range index {
		rows = append(rows, []string{key, string(entry.Status), entry.UpdatedAt.Format(time.RFC3339)})
	}
	return renderTable(d.out, rows)
}

// repoSlug derives owner/repo from the origin remote, falling back to the
// directory name when there is none.
func (d *driver) repoSlug() string {
	out, err := gitx.NewExecRunner().Run(context.Background(), d.root, "remote", "get-url", "origin")
	if err == nil {
		if owner, repo := hosting.ParseOwnerRepo(out); owner != "" {
			return owner + "/" + repo
		}
	}
	return "local"
}

func (d *driver) listWorktrees(ctx context.Context) error {
	m := d.git()
	worktrees, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(worktrees) == 0 {
		fmt.Fprintln(d.out, "No task worktrees.")
		return nil
	}
	rows := [][]string{{"SLUG", "BRANCH", "COMMITS", "IDLE"}}
	for _, wt := range worktrees {
		commits, idle := "-", "-"
		if stats, err := m.StatsFor(ctx, wt.Slug); err == nil {
			commits = fmt.Sprint(stats.CommitCount)
			idle = fmt.Sprintf("%dd", stats.DaysSinceWork)
		}
		rows = append(rows, []string{wt.Slug, wt.Branch, commits, idle})
	}
	return renderTable(d.out, rows)
}

func (d *driver) cleanupWorktrees(ctx context.Context) error {
	removed, err := d.git().CleanupOld(ctx, worktreeRetention, false)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Fprintln(d.out, "No stale worktrees.")
		return nil
	}
	for _, slug := range removed {
		fmt.Fprintf(d.out, "removed %s\n", slug)
	}
	return nil
}

func (d *driver) batchCreate(ctx context.Context) error {
	data, err := os.ReadFile(d.flags.batchCreate)
	if err != nil {
		return err
	}
	var issues []hosting.Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return fmt.Errorf("parse %s: %w", d.flags.batchCreate, err)
	}
	if len(issues) == 0 {
		return fmt.Errorf("%s holds no issues", d.flags.batchCreate)
	}

	grouper := batch.NewGrouper(d.agentClient(), d.cfg.Model)
	proposed, err := grouper.GroupIssues(ctx, issues)
	if err != nil {
		return err
	}

	batches := make([]*batch.Batch, 0, len(proposed))
	for _, p := range proposed {
		batches = append(batches, &batch.Batch{
			Theme:        p.Theme,
			Reasoning:    p.Reasoning,
			Confidence:   p.Confidence,
			IssueNumbers: p.IssueNumbers,
		})
	}
	store := batch.NewStore(d.root)
	if err := store.Create(batches); err != nil {
		return err
	}
	for _, b := range batches {
		fmt.Fprintf(d.out, "%s  %-30s  issues %v\n", b.ID, clipText(b.Theme, 30), b.IssueNumbers)
	}
	fmt.Fprintf(d.out, "%d batch(es) created from %d issue(s)\n", len(batches), len(issues))
	return nil
}

func (d *driver) batchStatus() error {
	batches, err := batch.NewStore(d.root).List()
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(d.out, "No batches.")
		return nil
	}
	rows := [][]string{{"ID", "STATUS", "ISSUES", "THEME", "PR"}}
	for _, b := range batches {
		pr := "-"
		if b.PRNumber != 0 {
			pr = fmt.Sprintf("#%d", b.PRNumber)
		}
		rows = append(rows, []string{
			b.ID, string(b.Status), fmt.Sprint(b.IssueNumbers), clipText(b.Theme, 40), pr,
		})
	}
	return renderTable(d.out, rows)
}

func (d *driver) batchCleanup() error {
	dryRun := !d.flags.noDryRun
	removed, err := batch.NewStore(d.root).Cleanup(batchRetention, dryRun)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Fprintln(d.out, "No batches eligible for cleanup.")
		return nil
	}
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	for _, id := range removed {
		fmt.Fprintf(d.out, "%s batch %s\n", verb, id)
	}
	if dryRun {
		fmt.Fprintln(d.out, "Dry run; pass --no-dry-run to apply.")
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
