// Package dupdetect scores pairs of issues for duplication: embedding cosine
// similarity over title and body, plus per-entity overlap on the structured
// signals both issues mention.
package dupdetect

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/autoclaude/autoclaude/internal/hosting"
)

// Thresholds on overall similarity.
const (
	DuplicateThreshold = 0.85
	SimilarThreshold   = 0.70
)

// Similarity is the comparison result for one candidate.
type Similarity struct {
	TargetNumber    int                `json:"target_number"`
	CandidateNumber int                `json:"candidate_number"`
	Overall         float64            `json:"overall"`
	TitleSimilarity float64            `json:"title_similarity"`
	BodySimilarity  float64            `json:"body_similarity"`
	EntityOverlap   map[string]float64 `json:"entity_overlap"`
	IsDuplicate     bool               `json:"is_duplicate"`
	IsSimilar       bool               `json:"is_similar"`
	Explanation     string             `json:"explanation"`
}

// Detector compares issues through one embedding provider and a per-repo
// cache. Cache may be nil to disable caching.
type Detector struct {
	provider Provider
	cache    *Cache
}

// NewDetector creates a detector.
func NewDetector(provider Provider, cache *Cache) *Detector {
	return &Detector{provider: provider, cache: cache}
}

// Compare scores candidate against target.
func (d *Detector) Compare(ctx context.Context, target, candidate *hosting.Issue) (*Similarity, error) {
	overallA, err := d.embed(ctx, issueText(target))
	if err != nil {
		return nil, err
	}
	overallB, err := d.embed(ctx, issueText(candidate))
	if err != nil {
		return nil, err
	}
	titleA, err := d.embed(ctx, target.Title)
	if err != nil {
		return nil, err
	}
	titleB, err := d.embed(ctx, candidate.Title)
	if err != nil {
		return nil, err
	}

	sim := &Similarity{
		TargetNumber:    target.Number,
		CandidateNumber: candidate.Number,
		Overall:         cosine(overallA, overallB),
		TitleSimilarity: cosine(titleA, titleB),
	}

	// Body similarity is zero when either side has no body to compare.
	if strings.TrimSpace(target.Body) != "" && strings.TrimSpace(candidate.Body) != "" {
		bodyA, err := d.embed(ctx, target.Body)
		if err != nil {
			return nil, err
		}
		bodyB, err := d.embed(ctx, candidate.Body)
		if err != nil {
			return nil, err
		}
		sim.BodySimilarity = cosine(bodyA, bodyB)
	}

	entA := ExtractEntities(issueText(target))
	entB := ExtractEntities(issueText(candidate))
	sim.EntityOverlap = map[string]float64{
		"error_codes":  jaccard(entA.ErrorCodes, entB.ErrorCodes),
		"file_paths":   jaccard(entA.FilePaths, entB.FilePaths),
		"functions":    jaccard(entA.Functions, entB.Functions),
		"urls":         jaccard(entA.URLs, entB.URLs),
		"versions":     jaccard(entA.Versions, entB.Versions),
		"stack_frames": jaccard(entA.StackFrames, entB.StackFrames),
	}

	sim.IsDuplicate = sim.Overall >= DuplicateThreshold
	sim.IsSimilar = sim.Overall >= SimilarThreshold
	sim.Explanation = explain(sim)
	return sim, nil
}

// FindDuplicates compares target against every open issue, keeps the similar
// ones, and returns them sorted by overall score descending, capped at limit.
func (d *Detector) FindDuplicates(ctx context.Context, target *hosting.Issue, open []hosting.Issue, limit int) ([]*Similarity, error) {
	var out []*Similarity
	for i := range open {
		candidate := &open[i]
		if candidate.Number == target.Number {
			continue
		}
		sim, err := d.Compare(ctx, target, candidate)
		if err != nil {
			return nil, fmt.Errorf("compare #%d against #%d: %w", target.Number, candidate.Number, err)
		}
		if sim.IsSimilar {
			out = append(out, sim)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Overall > out[j].Overall })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// embed resolves one text through the cache, falling back to the provider.
func (d *Detector) embed(ctx context.Context, text string) ([]float64, error) {
	if d.cache != nil {
		if vec, err := d.cache.Get(d.provider.Name(), text); err != nil {
			return nil, err
		} else if vec != nil {
			return vec, nil
		}
	}
	vecs, err := d.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("provider %s returned %d vectors for 1 text", d.provider.Name(), len(vecs))
	}
	if d.cache != nil {
		if err := d.cache.Put(d.provider.Name(), text, vecs[0]); err != nil {
			return nil, err
		}
	}
	return vecs[0], nil
}

func issueText(issue *hosting.Issue) string {
	if strings.TrimSpace(issue.Body) == "" {
		return issue.Title
	}
	return issue.Title + "\n\n" + issue.Body
}

// cosine is the cosine similarity of two vectors; 0 on mismatched or zero
// inputs.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// explain renders the verdict for humans: headline, strongest entity
// overlaps, and the title/body split.
func explain(s *Similarity) string {
	var b strings.Builder
	switch {
	case s.IsDuplicate:
		fmt.Fprintf(&b, "Likely duplicate of #%d (%.0f%% overall similarity).", s.TargetNumber, s.Overall*100)
	case s.IsSimilar:
		fmt.Fprintf(&b, "Similar to #%d (%.0f%% overall similarity).", s.TargetNumber, s.Overall*100)
	default:
		fmt.Fprintf(&b, "Not similar to #%d (%.0f%% overall similarity).", s.TargetNumber, s.Overall*100)
	}
	fmt.Fprintf(&b, " Titles match %.0f%%, bodies %.0f%%.", s.TitleSimilarity*100, s.BodySimilarity*100)

	kinds := make([]string, 0, len(s.EntityOverlap))
	for kind, score := range s.EntityOverlap {
		if score > 0 {
			kinds = append(kinds, fmt.Sprintf("%s %.0f%%", strings.ReplaceAll(kind, "_", " "), score*100))
		}
	}
	if len(kinds) > 0 {
		sort.Strings(kinds)
		fmt.Fprintf(&b, " Shared signals: %s.", strings.Join(kinds, ", "))
	}
	return b.String()
}
