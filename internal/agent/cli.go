package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CLIClient runs the claude CLI in headless mode (-p) with JSON output.
type CLIClient struct {
	binPath  string
	model    string
	maxTurns int
	timeout  time.Duration
	logger   *slog.Logger
}

var _ Client = (*CLIClient)(nil)

// CLIOption configures a CLIClient.
type CLIOption func(*CLIClient)

// WithBinPath sets the path to the claude binary.
func WithBinPath(path string) CLIOption {
	return func(c *CLIClient) { c.binPath = path }
}

// WithModel sets the default model.
func WithModel(model string) CLIOption {
	return func(c *CLIClient) { c.model = model }
}

// WithMaxTurns sets the default turn budget.
func WithMaxTurns(n int) CLIOption {
	return func(c *CLIClient) { c.maxTurns = n }
}

// WithTimeout bounds a single invocation.
func WithTimeout(d time.Duration) CLIOption {
	return func(c *CLIClient) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CLIOption {
	return func(c *CLIClient) { c.logger = l }
}

// NewCLIClient creates a claude CLI client.
func NewCLIClient(opts ...CLIOption) *CLIClient {
	c := &CLIClient{
		binPath: "claude",
		timeout: 30 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke runs one headless agent turn and parses the JSON envelope.
func (c *CLIClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{"-p", "--output-format", "json"}
	if model := req.Model; model != "" {
		args = append(args, "--model", model)
	} else if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = c.maxTurns
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", maxTurns))
	}

	cmd := exec.CommandContext(ctx, c.binPath, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("agent invocation: %w", ctx.Err())
	}
	if runErr != nil && stdout.Len() == 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, fmt.Errorf("agent invocation failed: %s", msg)
	}

	res := parseEnvelope(stdout.String())
	res.Duration = elapsed
	c.logger.Debug("agent turn complete",
		"model", req.Model,
		"turns", res.NumTurns,
		"cost_usd", res.CostUSD,
		"duration", elapsed.Round(time.Millisecond),
		"is_error", res.IsError)
	return res, nil
}

// parseEnvelope maps the CLI's JSON result envelope onto a Result. Output
// that is not the expected envelope is passed through as raw content so
// callers can attempt their own recovery.
func parseEnvelope(raw string) *Result {
	j := gjson.Parse(raw)
	if !j.Get("result").Exists() && !j.Get("is_error").Exists() {
		return &Result{Content: strings.TrimSpace(raw)}
	}
	res := &Result{
		Content:   j.Get("result").String(),
		NumTurns:  int(j.Get("num_turns").Int()),
		CostUSD:   j.Get("total_cost_usd").Float(),
		SessionID: j.Get("session_id").String(),
		IsError:   j.Get("is_error").Bool(),
	}
	if res.IsError {
		res.ErrorText = res.Content
	}
	return res
}
