// Package mapper turns a located form into an automation plan: which element gets
// which semantic field, how it is filled, and with what value.
package mapper

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/classifier"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Suggestion is an advisor's answer for one candidate.
type Suggestion struct {
	Handle     string            `json:"handle"`
	Kind       schemas.FieldKind `json:"field"`
	Confidence float64           `json:"confidence"`
}

// Advisor classifies candidates the rule table could not. allowed lists the kinds
// still unassigned on the form.
type Advisor interface {
	Suggest(ctx context.Context, candidates []browser.ElementCandidate, allowed []schemas.FieldKind) ([]Suggestion, error)
}

// Options control one Map call.
type Options struct {
	// Strategy is config.StrategyRules or config.StrategyHybrid.
	Strategy string
	// AllowNoRequired accepts plans without core fields (later steps of a multi-step form).
	AllowNoRequired bool
}

// Mapper is stateless and safe for concurrent use.
type Mapper struct {
	logger  *zap.Logger
	advisor Advisor
}

// New creates a mapper. advisor may be nil, in which case the hybrid strategy
// behaves like the rules strategy.
func New(logger *zap.Logger, advisor Advisor) *Mapper {
	return &Mapper{logger: logger.Named("mapper"), advisor: advisor}
}

type assignment struct {
	index      int
	kind       schemas.FieldKind
	confidence float64
	signal     classifier.Signal
	provenance Provenance
	required   bool
	helpText   string
}

type resolver struct {
	cands   []browser.ElementCandidate
	owner   map[schemas.FieldKind]*assignment
	byIndex map[int]*assignment
	pending map[int]struct{}
}

// place assigns a to its kind. A second email-shaped field becomes the
// confirmation field; otherwise the higher confidence keeps the kind and the loser
// goes back to pending. Equal confidence keeps the earlier element.
func (r *resolver) place(a *assignment) {
	prev, taken := r.owner[a.kind]
	if taken && a.kind == schemas.FieldEmail && r.owner[schemas.FieldEmailConfirm] == nil &&
		r.cands[a.index].Control() == browser.ControlText {
		a.kind = schemas.FieldEmailConfirm
		taken = false
	}
	if taken {
		if a.confidence <= prev.confidence {
			r.pending[a.index] = struct{}{}
			return
		}
		delete(r.byIndex, prev.index)
		r.pending[prev.index] = struct{}{}
	}
	r.owner[a.kind] = a
	r.byIndex[a.index] = a
	delete(r.pending, a.index)
}

func (r *resolver) pendingIndexes() []int {
	out := make([]int, 0, len(r.pending))
	for i := range r.pending {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Map builds the plan. Template hints are applied first, then the classifier runs
// over the remaining candidates in DOM order. A non-nil plan accompanies a
// *MappingError so callers can still report coverage.
func (m *Mapper) Map(ctx context.Context, candidates []browser.ElementCandidate, data schemas.RegistrationData, hints *schemas.FieldMapping, opts Options) (*Plan, error) {
	entries := m.usableHints(hints)
	r := &resolver{
		cands:   candidates,
		owner:   make(map[schemas.FieldKind]*assignment),
		byIndex: make(map[int]*assignment),
		pending: make(map[int]struct{}),
	}

	for i, c := range candidates {
		if !c.Fillable() {
			continue
		}
		if e, ok := classifier.MatchEntry(c, entries); ok {
			r.place(&assignment{
				index: i, kind: e.Field, confidence: classifier.ConfidenceHint, signal: classifier.SignalHint,
				provenance: FromHint, required: e.Required, helpText: e.HelpText,
			})
			continue
		}
		res := classifier.Classify(c)
		if !res.Known() {
			r.pending[i] = struct{}{}
			continue
		}
		r.place(&assignment{index: i, kind: res.Kind, confidence: res.Confidence, signal: res.Signal, provenance: FromRule})
	}

	if opts.Strategy == config.StrategyHybrid && m.advisor != nil && len(r.pending) > 0 {
		if err := m.consult(ctx, r); err != nil {
			return nil, err
		}
	}

	plan := &Plan{}
	missing := make(map[schemas.FieldKind]struct{})
	for i, c := range candidates {
		a, ok := r.byIndex[i]
		if !ok {
			if _, gap := r.pending[i]; gap {
				plan.Unmapped = append(plan.Unmapped, c)
			}
			continue
		}
		required := a.required || c.Required
		value, ok := data.Value(a.kind)
		if !ok {
			if _, seen := missing[a.kind]; !seen {
				missing[a.kind] = struct{}{}
				plan.Missing = append(plan.Missing, a.kind)
			}
			if required {
				plan.MissingRequired = append(plan.MissingRequired, c)
			}
			continue
		}
		plan.Entries = append(plan.Entries, Entry{
			Kind:       a.kind,
			Candidate:  c,
			Strategy:   strategyFor(a.kind, c),
			Value:      value,
			Required:   required,
			Provenance: a.provenance,
			Confidence: a.confidence,
			Signal:     a.signal,
			HelpText:   a.helpText,
		})
	}

	m.logger.Debug("Plan built.",
		zap.Int("entries", len(plan.Entries)),
		zap.Int("unmapped", len(plan.Unmapped)),
		zap.Int("missing", len(plan.Missing)))

	if !opts.AllowNoRequired && plan.CoreMapped() == 0 {
		return plan, &MappingError{Candidates: len(candidates), Mapped: len(plan.Entries), Missing: plan.Missing}
	}
	return plan, nil
}

// usableHints drops templates bound to an incompatible rule table version.
func (m *Mapper) usableHints(hints *schemas.FieldMapping) []schemas.MappingEntry {
	if hints == nil || len(hints.Entries) == 0 {
		return nil
	}
	ok, err := classifier.Compatible(hints.RulesVersion)
	if err != nil || !ok {
		m.logger.Warn("Ignoring field mapping template with incompatible rules version.",
			zap.String("manufacturer", hints.Manufacturer),
			zap.String("constraint", hints.RulesVersion),
			zap.String("rules_version", classifier.RulesVersion()),
			zap.Error(err))
		return nil
	}
	return hints.Entries
}

// consult offers the still-unknown candidates to the advisor. Advisor failures
// are logged and ignored; only cancellation propagates.
func (m *Mapper) consult(ctx context.Context, r *resolver) error {
	idx := r.pendingIndexes()
	offered := make([]browser.ElementCandidate, 0, len(idx))
	byHandle := make(map[string]int, len(idx))
	for _, i := range idx {
		offered = append(offered, r.cands[i])
		byHandle[r.cands[i].Handle] = i
	}
	var allowed []schemas.FieldKind
	for _, k := range schemas.AllFieldKinds {
		if r.owner[k] == nil {
			allowed = append(allowed, k)
		}
	}

	suggestions, err := m.advisor.Suggest(ctx, offered, allowed)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("Field advisor failed, continuing with rule-based mapping.", zap.Error(err))
		return nil
	}

	accepted := 0
	for _, s := range suggestions {
		i, ok := byHandle[s.Handle]
		if !ok || !s.Kind.Valid() || s.Confidence < classifier.ConfidenceFloor || r.owner[s.Kind] != nil {
			continue
		}
		if _, still := r.pending[i]; !still {
			continue
		}
		if s.Kind.Toggle() != (r.cands[i].Control() == browser.ControlToggle) {
			continue
		}
		conf := s.Confidence
		if conf > classifier.ConfidenceLabel {
			// Advisor answers never outrank attribute evidence.
			conf = classifier.ConfidenceLabel
		}
		r.place(&assignment{index: i, kind: s.Kind, confidence: conf, signal: classifier.SignalAdvisor, provenance: FromAdvisor})
		accepted++
	}
	m.logger.Debug("Field advisor consulted.", zap.Int("offered", len(offered)), zap.Int("accepted", accepted))
	return nil
}
