package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/autoclaude/autoclaude/internal/agent"
	"github.com/autoclaude/autoclaude/internal/hosting"
)

const (
	// DefaultMaxBatchSize caps issues per batch.
	DefaultMaxBatchSize = 5
	// DefaultMinBatchSize is the floor for suggested splits.
	DefaultMinBatchSize = 2
	// maxConcurrentBuckets bounds parallel LLM grouping calls.
	maxConcurrentBuckets = 5
)

// bucketLabels is the fixed label set for the cheap pre-group, in priority
// order.
var bucketLabels = []string{
	"bug", "security", "performance", "dependencies",
	"documentation", "enhancement", "refactor",
}

// bucketKeywords maps title keywords to a keyword bucket.
var bucketKeywords = map[string][]string{
	"crash":   {"crash", "panic", "segfault", "fatal"},
	"auth":    {"login", "auth", "oauth", "token", "session"},
	"ui":      {"button", "layout", "css", "style", "render"},
	"docs":    {"readme", "docs", "documentation", "typo"},
	"deps":    {"upgrade", "bump", "dependency", "cve"},
	"perf":    {"slow", "timeout", "latency", "memory leak"},
	"testing": {"test", "flaky", "coverage"},
}

// Grouper runs the two-phase grouping.
type Grouper struct {
	client       agent.Client
	model        string
	maxBatchSize int
	minBatchSize int
}

// NewGrouper creates a grouper; client may be nil, which degrades every
// bucket to singleton batches.
func NewGrouper(client agent.Client, model string) *Grouper {
	return &Grouper{
		client:       client,
		model:        model,
		maxBatchSize: DefaultMaxBatchSize,
		minBatchSize: DefaultMinBatchSize,
	}
}

// Proposed is a batch candidate before persistence.
type Proposed struct {
	Theme        string
	Reasoning    string
	Confidence   float64
	IssueNumbers []int
}

// GroupIssues partitions the issues into proposed batches. Every input issue
// lands in exactly one batch.
func (g *Grouper) GroupIssues(ctx context.Context, issues []hosting.Issue) ([]*Proposed, error) {
	buckets := preGroup(issues)

	var (
		mu       sync.Mutex
		proposed []*Proposed
	)
	collect := func(batches []*Proposed) {
		mu.Lock()
		proposed = append(proposed, batches...)
		mu.Unlock()
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentBuckets)
	for name, bucket := range buckets {
		if len(bucket) == 1 {
			collect([]*Proposed{singleton(&bucket[0], "singleton bucket "+name)})
			continue
		}
		eg.Go(func() error {
			batches := g.groupBucket(gctx, name, bucket)
			collect(batches)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Deterministic output order for callers and tests.
	sort.Slice(proposed, func(i, j int) bool {
		return proposed[i].IssueNumbers[0] < proposed[j].IssueNumbers[0]
	})
	return proposed, nil
}

// preGroup assigns each issue to a label bucket, then a keyword bucket, then
// a singleton bucket.
func preGroup(issues []hosting.Issue) map[string][]hosting.Issue {
	buckets := map[string][]hosting.Issue{}
	for _, issue := range issues {
		name := bucketFor(&issue)
		buckets[name] = append(buckets[name], issue)
	}
	return buckets
}

func bucketFor(issue *hosting.Issue) string {
	for _, label := range bucketLabels {
		for _, have := range issue.Labels {
			if strings.EqualFold(have, label) {
				return "label:" + label
			}
		}
	}
	title := strings.ToLower(issue.Title)
	for _, bucket := range sortedKeys(bucketKeywords) {
		for _, kw := range bucketKeywords[bucket] {
			if strings.Contains(title, kw) {
				return "keyword:" + bucket
			}
		}
	}
	return fmt.Sprintf("singleton:%d", issue.Number)
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// groupBucket asks the LLM to partition one bucket, then validates each
// multi-item proposal. Agent failure degrades the bucket to singletons.
func (g *Grouper) groupBucket(ctx context.Context, name string, bucket []hosting.Issue) []*Proposed {
	byNumber := map[int]*hosting.Issue{}
	for i := range bucket {
		byNumber[bucket[i].Number] = &bucket[i]
	}

	batches, err := g.proposeBatches(ctx, name, bucket)
	if err != nil {
		return singletons(bucket, fmt.Sprintf("grouping degraded: %v", err))
	}

	var out []*Proposed
	seen := map[int]bool{}
	for _, b := range batches {
		members := dedupKnown(b.IssueNumbers, byNumber, seen)
		if len(members) == 0 {
			continue
		}
		b.IssueNumbers = members
		if len(members) == 1 {
			out = append(out, b)
			continue
		}
		out = append(out, g.validate(ctx, b, byNumber)...)
	}

	// Issues the model dropped still need a home.
	for _, issue := range bucket {
		if !seen[issue.Number] {
			seen[issue.Number] = true
			out = append(out, singleton(&issue, "not grouped by model"))
		}
	}
	return out
}

// proposeBatches runs the grouping prompt for one bucket.
func (g *Grouper) proposeBatches(ctx context.Context, name string, bucket []hosting.Issue) ([]*Proposed, error) {
	if g.client == nil {
		return nil, fmt.Errorf("no grouping model configured")
	}
	res, err := g.client.Invoke(ctx, agent.Request{
		Prompt: groupingPrompt(name, bucket, g.maxBatchSize),
		Model:  g.model,
	})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, fmt.Errorf("grouping agent: %s", res.ErrorText)
	}
	parsed := gjson.Get(extractJSON(res.Content), "batches")
	if !parsed.Exists() || !parsed.IsArray() {
		return nil, fmt.Errorf("grouping agent returned no batches array")
	}
	var out []*Proposed
	for _, item := range parsed.Array() {
		p := &Proposed{
			Theme:      item.Get("theme").String(),
			Reasoning:  item.Get("reasoning").String(),
			Confidence: item.Get("confidence").Float(),
		}
		for _, n := range item.Get("issue_numbers").Array() {
			p.IssueNumbers = append(p.IssueNumbers, int(n.Int()))
		}
		if len(p.IssueNumbers) > g.maxBatchSize {
			p.IssueNumbers = p.IssueNumbers[:g.maxBatchSize]
		}
		out = append(out, p)
	}
	return out, nil
}

// validate sends one multi-item batch to the validator. Invalid batches are
// replaced by their suggested splits (each at least minBatchSize) or by
// singletons.
func (g *Grouper) validate(ctx context.Context, b *Proposed, byNumber map[int]*hosting.Issue) []*Proposed {
	res, err := g.client.Invoke(ctx, agent.Request{
		Prompt: validationPrompt(b, byNumber),
		Model:  g.model,
	})
	if err != nil || res.IsError {
		// Validator unavailable: keep the proposal rather than invent splits.
		return []*Proposed{b}
	}
	verdict := gjson.Parse(extractJSON(res.Content))
	if verdict.Get("is_valid").Bool() {
		if theme := verdict.Get("common_theme").String(); theme != "" {
			b.Theme = theme
		}
		b.Confidence = verdict.Get("confidence").Float()
		return []*Proposed{b}
	}

	var splits []*Proposed
	for _, split := range verdict.Get("suggested_splits").Array() {
		var members []int
		for _, n := range split.Array() {
			if _, known := byNumber[int(n.Int())]; known {
				members = append(members, int(n.Int()))
			}
		}
		if len(members) >= g.minBatchSize {
			splits = append(splits, &Proposed{
				Theme:        b.Theme,
				Reasoning:    verdict.Get("reasoning").String(),
				Confidence:   verdict.Get("confidence").Float(),
				IssueNumbers: members,
			})
		}
	}
	if len(splits) > 0 {
		// Anything not covered by a split falls back to singletons.
		covered := map[int]bool{}
		for _, s := range splits {
			for _, n := range s.IssueNumbers {
				covered[n] = true
			}
		}
		for _, n := range b.IssueNumbers {
			if !covered[n] {
				splits = append(splits, singleton(byNumber[n], "left out of suggested splits"))
			}
		}
		return splits
	}

	out := make([]*Proposed, 0, len(b.IssueNumbers))
	for _, n := range b.IssueNumbers {
		out = append(out, singleton(byNumber[n], "batch rejected by validator"))
	}
	return out
}

func dedupKnown(numbers []int, byNumber map[int]*hosting.Issue, seen map[int]bool) []int {
	var out []int
	for _, n := range numbers {
		if _, known := byNumber[n]; !known || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func singleton(issue *hosting.Issue, reason string) *Proposed {
	return &Proposed{
		Theme:        issue.Title,
		Reasoning:    reason,
		Confidence:   1.0,
		IssueNumbers: []int{issue.Number},
	}
}

func singletons(bucket []hosting.Issue, reason string) []*Proposed {
	out := make([]*Proposed, 0, len(bucket))
	for i := range bucket {
		out = append(out, singleton(&bucket[i], reason))
	}
	return out
}

func groupingPrompt(name string, bucket []hosting.Issue, maxSize int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Partition the issues below (bucket %q) into batches of related work.
Each batch must be fixable in a single pull request and contain at most %d issues.
Respond with JSON only:
{"batches": [{"theme": "...", "reasoning": "...", "confidence": 0.0, "issue_numbers": [1, 2]}]}

Issues:
`, name, maxSize)
	for i := range bucket {
		fmt.Fprintf(&b, "#%d: %s\n%s\n\n", bucket[i].Number, bucket[i].Title, clip(bucket[i].Body, 800))
	}
	return b.String()
}

func validationPrompt(b *Proposed, byNumber map[int]*hosting.Issue) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Validate that the following issues belong in one batch ("%s") addressed by a single pull request.
Respond with JSON only:
{"is_valid": true, "confidence": 0.0, "reasoning": "...", "common_theme": "...", "suggested_splits": [[1,2],[3]]}

Issues:
`, b.Theme)
	for _, n := range b.IssueNumbers {
		issue := byNumber[n]
		fmt.Fprintf(&sb, "#%d: %s\n%s\n\n", issue.Number, issue.Title, clip(issue.Body, 800))
	}
	return sb.String()
}

// extractJSON trims to the outermost JSON object in text.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
