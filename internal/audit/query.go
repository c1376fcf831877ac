package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Filter selects audit entries. Zero-valued fields match everything.
type Filter struct {
	CorrelationID string
	Action        string
	Repo          string
	PRNumber      int
	IssueNumber   int
	Since         time.Time
	Until         time.Time
	Limit         int
}

var auditFilePattern = regexp.MustCompile(`^audit_\d{4}-\d{2}-\d{2}\.jsonl(\.\d+)?$`)

func isAuditFile(name string) bool {
	return auditFilePattern.MatchString(name)
}

// Query scans the retained audit files and returns matching entries ordered
// by timestamp.
func (l *Logger) Query(f Filter) ([]Entry, error) {
	dirEntries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read dir: %w", err)
	}

	var names []string
	for _, de := range dirEntries {
		if !de.IsDir() && isAuditFile(de.Name()) {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)

	var out []Entry
	for _, name := range names {
		if skip, done := l.skipFileByDate(name, f); skip {
			if done {
				break
			}
			continue
		}
		entries, err := scanFile(filepath.Join(l.opts.Dir, name), f)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// skipFileByDate prunes whole files outside the time window using the date
// embedded in the filename. done is true once files are past Until.
func (l *Logger) skipFileByDate(name string, f Filter) (skip, done bool) {
	base := strings.TrimPrefix(name, "audit_")
	if len(base) < 10 {
		return false, false
	}
	day, err := time.Parse("2006-01-02", base[:10])
	if err != nil {
		return false, false
	}
	if !f.Since.IsZero() && day.Add(24*time.Hour).Before(f.Since) {
		return true, false
	}
	if !f.Until.IsZero() && day.After(f.Until) {
		return true, true
	}
	return false, false
}

func scanFile(path string, f Filter) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crash is tolerated; atomicity of
			// whole-file state does not apply to append-only logs.
			continue
		}
		if matches(e, f) {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return out, nil
}

func matches(e Entry, f Filter) bool {
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Repo != "" && e.Repo != f.Repo {
		return false
	}
	if f.PRNumber != 0 && e.PRNumber != f.PRNumber {
		return false
	}
	if f.IssueNumber != 0 && e.IssueNumber != f.IssueNumber {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func marshalLine(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
