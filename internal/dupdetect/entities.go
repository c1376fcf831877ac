package dupdetect

import (
	"regexp"
	"sort"
	"strings"
)

// maxEntitiesPerKind bounds extraction output per category.
const maxEntitiesPerKind = 25

// maxExtractBytes clips the scanned text; entities past this point are noise.
const maxExtractBytes = 64 << 10

// Entities are the structured signals pulled from an issue's text. All
// slices are deduplicated and sorted, so extraction is deterministic.
type Entities struct {
	ErrorCodes  []string `json:"error_codes"`
	FilePaths   []string `json:"file_paths"`
	Functions   []string `json:"functions"`
	URLs        []string `json:"urls"`
	Versions    []string `json:"versions"`
	StackFrames []string `json:"stack_frames"`
}

var (
	// E.g. ERR_CONN_RESET, E1234, ECONNREFUSED, HTTP 503.
	errorCodePattern = regexp.MustCompile(`\b(?:ERR_[A-Z_]+|E[A-Z]{4,}|E\d{3,5}|HTTP\s[45]\d\d)\b`)

	// Paths with at least one separator and a file extension.
	filePathPattern = regexp.MustCompile(`\b[\w./-]+/[\w.-]+\.\w{1,8}\b`)

	// foo.Bar(), handleRequest(), pkg.Func(...).
	functionPattern = regexp.MustCompile(`\b[A-Za-z_][\w.]*\w\(\)?`)

	urlPattern = regexp.MustCompile(`https?://[^\s<>")\]]+`)

	// v1.2.3, 2.14.0-rc1.
	versionPattern = regexp.MustCompile(`\bv?\d+\.\d+\.\d+(?:[-.][\w.]+)?\b`)

	// Go panics and Python tracebacks both leave "file:line" frames.
	stackFramePattern = regexp.MustCompile(`(?m)^\s*(?:at\s+\S+|[\w./-]+\.\w+:\d+|File "[^"]+", line \d+).*$`)
)

// ExtractEntities pulls error codes, file paths, function names, URLs,
// version strings, and stack frames from text. Output is bounded and
// deterministic for equal input.
func ExtractEntities(text string) Entities {
	if len(text) > maxExtractBytes {
		text = text[:maxExtractBytes]
	}
	return Entities{
		ErrorCodes:  extract(errorCodePattern, text, nil),
		FilePaths:   extract(filePathPattern, text, nil),
		Functions:   extract(functionPattern, text, normalizeFunction),
		URLs:        extract(urlPattern, text, nil),
		Versions:    extract(versionPattern, text, nil),
		StackFrames: extract(stackFramePattern, text, strings.TrimSpace),
	}
}

func extract(re *regexp.Regexp, text string, normalize func(string) string) []string {
	matches := re.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if normalize != nil {
			m = normalize(m)
		}
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	if len(out) > maxEntitiesPerKind {
		out = out[:maxEntitiesPerKind]
	}
	return out
}

// normalizeFunction strips the call parens and drops bare English words that
// happen to precede a parenthesis.
func normalizeFunction(m string) string {
	name := strings.TrimSuffix(strings.TrimSuffix(m, "()"), "(")
	// Require a qualifier, an underscore, or mixed case to count as code.
	if !strings.ContainsAny(name, "._") && strings.ToLower(name) == name {
		return ""
	}
	return name + "()"
}

// jaccard is |A∩B| / |A∪B|; 0 when both sides are empty.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]int, len(a))
	for _, s := range a {
		set[s] = 1
	}
	inter := 0
	for _, s := range b {
		if set[s] == 1 {
			set[s] = 2
			inter++
		} else if _, ok := set[s]; !ok {
			set[s] = 0
		}
	}
	union := len(set)
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
