package mapper

import (
	"fmt"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/classifier"
)

// Provenance records which stage assigned a field.
type Provenance string

const (
	FromHint    Provenance = "hint"
	FromRule    Provenance = "rule"
	FromAdvisor Provenance = "advisor"
)

// Entry binds one semantic field to one element and the value to put there.
type Entry struct {
	Kind       schemas.FieldKind
	Candidate  browser.ElementCandidate
	Strategy   schemas.FillStrategy
	Value      string
	Required   bool
	Provenance Provenance
	Confidence float64
	Signal     classifier.Signal
	HelpText   string
}

// Plan is the resolved mapping for one form. No two entries share an element.
type Plan struct {
	Entries []Entry
	// Unmapped are fillable candidates nothing could assign.
	Unmapped []browser.ElementCandidate
	// Missing are kinds present on the form for which the record has no data.
	Missing []schemas.FieldKind
	// MissingRequired are the required elements among Missing.
	MissingRequired []browser.ElementCandidate
}

// Entry returns the plan entry for kind.
func (p *Plan) Entry(kind schemas.FieldKind) (Entry, bool) {
	for _, e := range p.Entries {
		if e.Kind == kind {
			return e, true
		}
	}
	return Entry{}, false
}

// CoreMapped counts entries for core registration kinds or template-required kinds.
func (p *Plan) CoreMapped() int {
	n := 0
	for _, e := range p.Entries {
		if e.Kind.CoreRequired() || (e.Provenance == FromHint && e.Required) {
			n++
		}
	}
	return n
}

// UnmappedFields renders the coverage gaps for the run result.
func (p *Plan) UnmappedFields() []schemas.UnmappedField {
	if p == nil {
		return nil
	}
	out := make([]schemas.UnmappedField, 0, len(p.Unmapped))
	for _, c := range p.Unmapped {
		out = append(out, schemas.UnmappedField{
			Selector:    c.Selector,
			Description: c.Describe(),
			Required:    c.Required,
		})
	}
	return out
}

// MappingError means the form carries none of the fields that make a registration
// meaningful. Submitting it would register nothing, so the run stops here.
type MappingError struct {
	Candidates int
	Mapped     int
	Missing    []schemas.FieldKind
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("no required registration field could be mapped (%d candidates, %d mapped)", e.Candidates, e.Mapped)
}

// strategyFor picks how a value goes into the element.
func strategyFor(kind schemas.FieldKind, c browser.ElementCandidate) schemas.FillStrategy {
	switch c.Control() {
	case browser.ControlToggle:
		return schemas.FillCheckbox
	case browser.ControlChoice:
		return schemas.FillSelect
	}
	if kind == schemas.FieldPurchaseDate || c.Type == "date" {
		return schemas.FillDate
	}
	return schemas.FillText
}
