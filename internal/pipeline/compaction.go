package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/autoclaude/autoclaude/internal/agent"
	"github.com/autoclaude/autoclaude/internal/lockfile"
)

const (
	// maxCompactionWords bounds each phase summary.
	maxCompactionWords = 500
	// maxSourceBytes truncates each gathered output file.
	maxSourceBytes = 10 * 1024
)

// Compactor condenses a completed phase's outputs into short notes that
// subsequent phases receive as read-only context. Summarization failure
// degrades to a truncated excerpt; it never fails a phase.
type Compactor struct {
	summarizer agent.Summarizer
	logger     *slog.Logger
}

// NewCompactor creates a compactor. A nil summarizer always degrades to
// truncation.
func NewCompactor(summarizer agent.Summarizer) *Compactor {
	return &Compactor{summarizer: summarizer, logger: slog.Default()}
}

// Compact gathers the phase's output files, summarizes them, and persists
// the summary under compaction/<phase>.md in the spec directory.
func (c *Compactor) Compact(ctx context.Context, specDir, phase string, outputs []string) string {
	source := c.gather(specDir, outputs)
	if source == "" {
		return ""
	}

	summary := ""
	if c.summarizer != nil {
		var err error
		summary, err = c.summarizer.Summarize(ctx, source, maxCompactionWords)
		if err != nil {
			c.logger.Warn("compaction summarization failed, using raw excerpt",
				"phase", phase, "error", err)
			summary = ""
		}
	}
	if summary == "" {
		summary = agent.Truncate(source, maxCompactionWords)
	}
	// Guard the contract even against a verbose summarizer.
	summary = agent.Truncate(summary, maxCompactionWords)

	path := filepath.Join(specDir, CompactionDir, phase+".md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		header := fmt.Sprintf("# %s summary\n\n", phase)
		if err := lockfile.AtomicWrite(path, []byte(header+summary+"\n"), 0o644); err != nil {
			c.logger.Warn("failed to persist compaction summary", "phase", phase, "error", err)
		}
	}
	return summary
}

// gather concatenates the phase's output files, each clipped to
// maxSourceBytes and labeled by filename.
func (c *Compactor) gather(specDir string, outputs []string) string {
	var b strings.Builder
	for _, name := range outputs {
		data, err := os.ReadFile(filepath.Join(specDir, name))
		if err != nil {
			continue
		}
		if len(data) > maxSourceBytes {
			data = data[:maxSourceBytes]
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n", name, data)
	}
	return strings.TrimSpace(b.String())
}

// LoadSummaries reads previously persisted compaction notes, for resume.
func LoadSummaries(specDir string) (map[string]string, []string) {
	dir := filepath.Join(specDir, CompactionDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]string{}, nil
	}

	summaries := make(map[string]string)
	var order []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		phase := strings.TrimSuffix(e.Name(), ".md")
		summaries[phase] = strings.TrimSpace(string(data))
		order = append(order, phase)
	}
	return summaries, order
}
