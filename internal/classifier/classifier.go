// internal/classifier/classifier.go
package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
)

// Signal names the evidence that produced a classification.
type Signal string

const (
	SignalNone         Signal = ""
	SignalHint         Signal = "hint"
	SignalAutocomplete Signal = "autocomplete"
	SignalAttribute    Signal = "attribute"
	SignalDescriptive  Signal = "placeholder"
	SignalLabel        Signal = "label"
	SignalType         Signal = "type"
	SignalAdvisor      Signal = "advisor"
)

// Confidence per evidence tier.
const (
	ConfidenceHint        = 1.0
	ConfidenceAttribute   = 0.9
	ConfidenceDescriptive = 0.85
	ConfidenceLabel       = 0.75
	ConfidenceType        = 0.6
	// ConfidenceFloor is the minimum accepted confidence; anything below is unknown.
	ConfidenceFloor = 0.5
)

// Result is the outcome of classifying one candidate.
type Result struct {
	Kind       schemas.FieldKind
	Confidence float64
	Signal     Signal
}

// Known reports whether the classification produced a usable kind.
func (r Result) Known() bool {
	return r.Kind != schemas.FieldUnknown && r.Confidence >= ConfidenceFloor
}

var unknown = Result{Kind: schemas.FieldUnknown}

// Classify assigns a semantic kind to c from its own attributes and context. It is a
// pure function and safe for concurrent use.
func Classify(c browser.ElementCandidate) Result {
	control := c.Control()
	if control == browser.ControlNone {
		return unknown
	}
	toggle := control == browser.ControlToggle

	if kind, ok := matchAutocomplete(c.Autocomplete, toggle); ok {
		return Result{Kind: kind, Confidence: ConfidenceAttribute, Signal: SignalAutocomplete}
	}
	if kind, ok := matchText(toggle, c.Name, c.ID); ok {
		return Result{Kind: kind, Confidence: ConfidenceAttribute, Signal: SignalAttribute}
	}
	if kind, ok := matchText(toggle, c.Placeholder, c.AriaLabel); ok {
		return Result{Kind: kind, Confidence: ConfidenceDescriptive, Signal: SignalDescriptive}
	}
	if kind, ok := matchText(toggle, c.Label); ok {
		return Result{Kind: kind, Confidence: ConfidenceLabel, Signal: SignalLabel}
	}
	if control == browser.ControlText {
		if kind, ok := typeRules[strings.ToLower(c.Type)]; ok {
			return Result{Kind: kind, Confidence: ConfidenceType, Signal: SignalType}
		}
	}
	return unknown
}

// ClassifyWithHints checks template entries first, in order; the first entry whose
// hints all match wins outright. Otherwise it falls back to Classify.
func ClassifyWithHints(c browser.ElementCandidate, entries []schemas.MappingEntry) Result {
	if entry, ok := MatchEntry(c, entries); ok {
		return Result{Kind: entry.Field, Confidence: ConfidenceHint, Signal: SignalHint}
	}
	return Classify(c)
}

// MatchEntry returns the first entry whose hints select c.
func MatchEntry(c browser.ElementCandidate, entries []schemas.MappingEntry) (schemas.MappingEntry, bool) {
	for _, e := range entries {
		if e.Field.Valid() && MatchHints(c, e.Hints) {
			return e, true
		}
	}
	return schemas.MappingEntry{}, false
}

// MatchHints reports whether every non-empty hint matches c. Name, id and type compare
// case-insensitively for equality; the label hint matches when the candidate's label
// contains it.
func MatchHints(c browser.ElementCandidate, h schemas.SelectorHints) bool {
	if h.Empty() {
		return false
	}
	if h.Name != "" && !strings.EqualFold(h.Name, c.Name) {
		return false
	}
	if h.ID != "" && !strings.EqualFold(h.ID, c.ID) {
		return false
	}
	if h.Type != "" && !strings.EqualFold(h.Type, c.Type) {
		return false
	}
	if h.Label != "" {
		want := strings.ToLower(strings.Join(strings.Fields(h.Label), " "))
		got := strings.ToLower(strings.Join(strings.Fields(c.Label), " "))
		if !strings.Contains(got, want) {
			return false
		}
	}
	return true
}

// Matches reports whether any rule recognizes c, ignoring hints.
func Matches(c browser.ElementCandidate) bool {
	return Classify(c).Known()
}

func matchAutocomplete(ac string, toggle bool) (schemas.FieldKind, bool) {
	tokens := strings.Fields(strings.ToLower(ac))
	if len(tokens) == 0 {
		return schemas.FieldUnknown, false
	}
	// "shipping given-name": the field name is the last token.
	token := tokens[len(tokens)-1]
	for _, r := range ruleTable {
		if r.toggle != toggle {
			continue
		}
		for _, want := range r.autocomplete {
			if token == want {
				return r.kind, true
			}
		}
	}
	return schemas.FieldUnknown, false
}

func matchText(toggle bool, raw ...string) (schemas.FieldKind, bool) {
	texts := make([]string, 0, len(raw))
	for _, s := range raw {
		if n := Normalize(s); n != "" {
			texts = append(texts, n)
		}
	}
	if len(texts) == 0 {
		return schemas.FieldUnknown, false
	}
	for _, r := range ruleTable {
		if r.toggle != toggle {
			continue
		}
		for _, t := range texts {
			for _, p := range r.patterns {
				if p.MatchString(t) {
					return r.kind, true
				}
			}
		}
	}
	return schemas.FieldUnknown, false
}

var separators = regexp.MustCompile(`[^\p{L}\p{N}#]+`)

// Normalize lowercases s, splits camelCase and letter/digit boundaries, and collapses
// every run of separators into a single space: "customer[emailAddress2]" becomes
// "customer email address 2".
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	var prev rune
	for i, r := range s {
		if i > 0 {
			switch {
			case unicode.IsUpper(r) && unicode.IsLower(prev):
				b.WriteByte(' ')
			case unicode.IsDigit(r) && unicode.IsLetter(prev):
				b.WriteByte(' ')
			case unicode.IsLetter(r) && unicode.IsDigit(prev):
				b.WriteByte(' ')
			}
		}
		b.WriteRune(r)
		prev = r
	}
	out := separators.ReplaceAllString(strings.ToLower(b.String()), " ")
	return strings.TrimSpace(out)
}

// RulesVersion is the FieldKind enumeration version the rule table is bound to.
func RulesVersion() string {
	return schemas.FieldKindsVersion
}

var rulesVersion = semver.MustParse(schemas.FieldKindsVersion)

// Compatible checks a template's rules-version constraint. An empty constraint is
// always compatible.
func Compatible(constraint string) (bool, error) {
	if strings.TrimSpace(constraint) == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid rules version constraint %q: %w", constraint, err)
	}
	return c.Check(rulesVersion), nil
}
