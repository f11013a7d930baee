// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// fencedRegex extracts the body of a markdown code fence, with or without a
// language tag. \x60 is a backtick, which raw strings cannot contain.
var fencedRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ParseJSONResponse decodes a model reply into T. Models wrap JSON in markdown
// fences or surround it with prose; both are stripped before decoding.
func ParseJSONResponse[T any](response string) (*T, error) {
	raw := ExtractJSON(response)
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON response: %w (extracted: %s)", err, truncate(raw, 300))
	}
	return &out, nil
}

// ExtractJSON returns the outermost JSON object or array in s.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if m := fencedRegex.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(s, closer); end > start {
		return s[start : end+1]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
