package schemas

import "strings"

// -- Manufacturer Templates --

// SelectorHints identify the concrete element for a template entry. Every
// non-empty hint must match; comparison is case-insensitive.
type SelectorHints struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Empty reports whether no hint is set.
func (h SelectorHints) Empty() bool {
	return h.Name == "" && h.ID == "" && h.Type == "" && h.Label == ""
}

// MappingEntry binds one semantic field to element hints.
type MappingEntry struct {
	Field    FieldKind     `json:"field" yaml:"field"`
	Hints    SelectorHints `json:"hints" yaml:"hints"`
	Required bool          `json:"required,omitempty" yaml:"required,omitempty"`
	HelpText string        `json:"help_text,omitempty" yaml:"help_text,omitempty"`
}

// FieldMapping is a curated, manufacturer-specific template. It is read-only to
// the engine.
type FieldMapping struct {
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	// RulesVersion is a semver constraint (e.g. "^1.0") against FieldKindsVersion.
	RulesVersion string         `json:"rules_version,omitempty" yaml:"rules_version,omitempty"`
	URLPattern   string         `json:"url_pattern,omitempty" yaml:"url_pattern,omitempty"`
	Entries      []MappingEntry `json:"entries" yaml:"entries"`
}

// ManufacturerKey normalizes a manufacturer name into a lookup key.
func ManufacturerKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}
