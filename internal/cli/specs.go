package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/autoclaude/autoclaude/internal/agent"
	"github.com/autoclaude/autoclaude/internal/audit"
	"github.com/autoclaude/autoclaude/internal/lockfile"
	"github.com/autoclaude/autoclaude/internal/pipeline"
)

// fileQAReport lives in the spec directory after --qa or --skip-qa.
const fileQAReport = "qa_report.json"

// fileFollowup is the user-authored follow-up task consumed by --followup.
const fileFollowup = "FOLLOWUP_REQUEST.md"

var specDirPattern = regexp.MustCompile(`^(\d{3,})-(.+)$`)

// specInfo describes one specs/NNN-slug directory.
type specInfo struct {
	ID   string
	Slug string
	Name string
	Dir  string
}

func (d *driver) specDirs() ([]specInfo, error) {
	entries, err := os.ReadDir(d.paths.SpecsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var specs []specInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := specDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		specs = append(specs, specInfo{
			ID:   m[1],
			Slug: m[2],
			Name: e.Name(),
			Dir:  filepath.Join(d.paths.SpecsDir(), e.Name()),
		})
	}
	return specs, nil
}

// resolveSpec matches --spec against id (with or without leading zeros),
// slug, or full directory name.
func (d *driver) resolveSpec() (*specInfo, error) {
	specs, err := d.specDirs()
	if err != nil {
		return nil, err
	}
	want := d.flags.spec
	for i := range specs {
		s := &specs[i]
		if s.Name == want || s.Slug == want || s.ID == want {
			return s, nil
		}
		if strings.TrimLeft(s.ID, "0") == strings.TrimLeft(want, "0") && want != "" {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no spec matches %q (try --list)", want)
}

func (d *driver) listSpecs() error {
	specs, err := d.specDirs()
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Fprintln(d.out, "No specs found.")
		return nil
	}
	rows := [][]string{{"ID", "SLUG", "WORKFLOW", "APPROVED", "QA"}}
	for _, s := range specs {
		workflow := "-"
		if plan, err := pipeline.LoadPlan(filepath.Join(s.Dir, pipeline.FilePlan)); err == nil {
			workflow = string(plan.WorkflowType)
		}
		approved := "no"
		if _, err := pipeline.CheckApproval(s.Dir); err == nil {
			approved = "yes"
		}
		qa := "-"
		if report, err := readQAReport(s.Dir); err == nil {
			qa = report.Status
		}
		rows = append(rows, []string{s.ID, s.Slug, workflow, approved, qa})
	}
	return renderTable(d.out, rows)
}

// qaReport is the --qa verdict persisted in the spec directory.
type qaReport struct {
	Status    string    `json:"status"` // passed, failed, skipped
	Summary   string    `json:"summary,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func readQAReport(specDir string) (*qaReport, error) {
	data, err := os.ReadFile(filepath.Join(specDir, fileQAReport))
	if err != nil {
		return nil, err
	}
	report := &qaReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, err
	}
	return report, nil
}

func writeQAReport(specDir string, report *qaReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return lockfile.AtomicWrite(filepath.Join(specDir, fileQAReport), append(data, '\n'), 0o644)
}

// runQA asks the agent to verify the built spec inside its worktree and
// persists the verdict.
func (d *driver) runQA(ctx context.Context) error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}

	workDir := d.paths.WorktreeDir(spec.Slug)
	if _, err := os.Stat(workDir); err != nil {
		workDir = d.root
	}

	prompt := fmt.Sprintf(`Run quality assurance for the implementation of spec %s.
The spec directory is %s. Verify the implementation plan's subtasks against the
working tree, run each subtask's verification where possible, and respond with
JSON only: {"passed": bool, "summary": "one paragraph"}.`, spec.Name, spec.Dir)

	res, err := d.agentClient().Invoke(ctx, agent.Request{Prompt: prompt, WorkDir: workDir})
	if err != nil {
		return fmt.Errorf("qa agent: %w", err)
	}

	report := &qaReport{Status: "failed", CreatedAt: time.Now().UTC()}
	parsed := gjson.Parse(res.Content)
	if parsed.Get("passed").Exists() {
		if parsed.Get("passed").Bool() {
			report.Status = "passed"
		}
		report.Summary = parsed.Get("summary").String()
	} else {
		report.Summary = agent.Truncate(res.Content, 120)
	}
	if err := writeQAReport(spec.Dir, report); err != nil {
		return err
	}
	fmt.Fprintf(d.out, "QA %s: %s\n", report.Status, report.Summary)
	return nil
}

func (d *driver) qaStatus() error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}
	report, err := readQAReport(spec.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(d.out, "%s: QA has not run\n", spec.Name)
			return nil
		}
		return err
	}
	fmt.Fprintf(d.out, "%s: QA %s", spec.Name, report.Status)
	if report.Summary != "" {
		fmt.Fprintf(d.out, " — %s", report.Summary)
	}
	if report.Reason != "" {
		fmt.Fprintf(d.out, " (%s)", report.Reason)
	}
	fmt.Fprintln(d.out)
	return nil
}

func (d *driver) skipQA() error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}
	report := &qaReport{Status: "skipped", Reason: "skipped via --skip-qa", CreatedAt: time.Now().UTC()}
	if err := writeQAReport(spec.Dir, report); err != nil {
		return err
	}
	if log := d.auditLogger(); log != nil {
		log.Append(audit.Entry{
			Action:    "qa.skip",
			ActorType: audit.ActorUser,
			Result:    audit.ResultSkipped,
			Details:   map[string]any{"spec": spec.Name},
		})
		log.Close()
	}
	fmt.Fprintf(d.out, "%s: QA skipped\n", spec.Name)
	return nil
}

// runFollowup re-runs the spec pipeline with the user's follow-up request as
// additional context.
func (d *driver) runFollowup(ctx context.Context) error {
	spec, err := d.resolveSpec()
	if err != nil {
		return err
	}
	request, err := os.ReadFile(filepath.Join(spec.Dir, fileFollowup))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s has no %s", spec.Name, fileFollowup)
		}
		return err
	}

	workflow := pipeline.WorkflowFeature
	if plan, err := pipeline.LoadPlan(filepath.Join(spec.Dir, pipeline.FilePlan)); err == nil {
		workflow = plan.WorkflowType
	}

	client := d.agentClient()
	inv := pipeline.NewInvoker(client, d.cfg.Model, 0)
	assessor := pipeline.NewAssessor(client, d.cfg.Model)
	compactor := pipeline.NewCompactor(agent.NewSummarizer(client, d.cfg.SummaryModel))
	executor := pipeline.NewExecutor(pipeline.DefaultRegistry(inv, assessor, nil), compactor, inv)

	report, err := executor.GenerateSpec(ctx, pipeline.RunOptions{
		SpecDir:    spec.Dir,
		ProjectDir: d.root,
		Requirements: &pipeline.Requirements{
			Task:         strings.TrimSpace(string(request)),
			WorkflowType: workflow,
			CreatedAt:    time.Now().UTC(),
		},
		Extras: map[string]string{"Follow-up request": strings.TrimSpace(string(request))},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "%s: follow-up pipeline ran %d phase(s) in %s\n",
		spec.Name, len(report.Results), report.Elapsed.Round(time.Second))
	if !report.Completed {
		return fmt.Errorf("follow-up pipeline stopped before completion")
	}
	return nil
}
