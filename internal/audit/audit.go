// Package audit provides the append-only structured event log.
// Every actor-visible decision in the system lands here; the ledger is the
// source of truth for reconstructing what the automation did and why.
package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/autoclaude/autoclaude/internal/lockfile"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorUser       ActorType = "user"
	ActorBot        ActorType = "bot"
	ActorAutomation ActorType = "automation"
	ActorSystem     ActorType = "system"
	ActorWebhook    ActorType = "webhook"
)

// Result is the outcome recorded on an event.
type Result string

const (
	ResultStarted Result = "started"
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultGranted Result = "granted"
	ResultDenied  Result = "denied"
	ResultSkipped Result = "skipped"
)

// TokenUsage captures LLM token consumption attached to an event.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Entry is a single audit event.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Action        string         `json:"action"`
	ActorType     ActorType      `json:"actor_type"`
	Actor         string         `json:"actor,omitempty"`
	Repo          string         `json:"repo,omitempty"`
	PRNumber      int            `json:"pr_number,omitempty"`
	IssueNumber   int            `json:"issue_number,omitempty"`
	Result        Result         `json:"result"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	TokenUsage    *TokenUsage    `json:"token_usage,omitempty"`
}

// Options configures the audit logger.
type Options struct {
	// Dir is where audit_YYYY-MM-DD.jsonl files are written.
	Dir string
	// MaxFileBytes rotates the current-day file once exceeded. Zero means
	// DefaultMaxFileBytes.
	MaxFileBytes int64
	// Retention is how long rotated and daily files are kept. Zero means
	// DefaultRetention.
	Retention time.Duration
	// LockTimeout bounds the per-append lock. Zero means a short default.
	LockTimeout time.Duration
}

const (
	DefaultMaxFileBytes int64 = 50 << 20 // 50 MB per day file
	DefaultRetention          = 30 * 24 * time.Hour
	defaultLockTimeout        = 2 * time.Second
)

// Logger appends audit entries to daily JSONL files. It is safe for
// concurrent use within a process, and the per-append file lock makes
// cross-process appends safe too.
type Logger struct {
	opts Options

	mu   sync.Mutex
	done chan struct{}
}

// NewLogger creates a logger writing under opts.Dir.
func NewLogger(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("audit: Dir is required")
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Logger{
		opts: opts,
		done: make(chan struct{}),
	}, nil
}

// currentPath returns today's file path in UTC.
func (l *Logger) currentPath(now time.Time) string {
	return filepath.Join(l.opts.Dir, fmt.Sprintf("audit_%s.jsonl", now.UTC().Format("2006-01-02")))
}

// Append writes one entry. A lock timeout drops the entry with a warning;
// audit writes must never stall the operation they describe.
func (l *Logger) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	line, err := marshalLine(e)
	if err != nil {
		slog.Warn("audit: marshal entry failed", "action", e.Action, "error", err)
		return
	}

	path := l.currentPath(e.Timestamp)
	err = lockfile.WithLock(path, l.opts.LockTimeout, func() error {
		if err := l.rotateIfNeeded(path); err != nil {
			slog.Warn("audit: rotation failed", "file", path, "error", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(line)
		return err
	})
	if err != nil {
		slog.Warn("audit: append dropped", "action", e.Action, "error", err)
	}
}

// rotateIfNeeded moves the current file aside once it exceeds the byte
// budget. Called with the file lock held.
func (l *Logger) rotateIfNeeded(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < l.opts.MaxFileBytes {
		return nil
	}
	rotated := fmt.Sprintf("%s.%d", path, time.Now().UTC().UnixNano())
	return os.Rename(path, rotated)
}

// Sweep deletes audit files whose modification time is older than the
// retention window. Returns the number of files removed.
func (l *Logger) Sweep() (int, error) {
	cutoff := time.Now().Add(-l.opts.Retention)
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return 0, fmt.Errorf("audit: read dir: %w", err)
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() || !isAuditFile(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.opts.Dir, de.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// StartSweeper runs a background retention sweep on the given interval until
// Close is called.
func (l *Logger) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				if _, err := l.Sweep(); err != nil {
					slog.Warn("audit: retention sweep failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the background sweeper.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
