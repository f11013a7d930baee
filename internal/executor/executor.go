// Package executor performs the fill and submit sequence for a mapped form and
// watches the page for the outcome. All interaction goes through the device
// adapter, so nothing here depends on the emulated device.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/device"
	"github.com/xkilldash9x/autoreg/internal/mapper"
)

// InteractionError means a required field or the submit control could not be used.
type InteractionError struct {
	Field   schemas.FieldKind
	Element string
	Stage   string
	Err     error
}

func (e *InteractionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("could not %s required field %s (%s): %v", e.Stage, e.Field, e.Element, e.Err)
	}
	return fmt.Sprintf("could not %s (%s): %v", e.Stage, e.Element, e.Err)
}

func (e *InteractionError) Unwrap() error { return e.Err }

// Stale reports whether the element disappeared from the document.
func (e *InteractionError) Stale() bool { return errors.Is(e.Err, browser.ErrStaleElement) }

// FillReport summarizes one Execute call.
type FillReport struct {
	Filled []mapper.Entry
	// UnfilledRequired are required elements the record had no data for.
	UnfilledRequired []browser.ElementCandidate
	// Skipped are optional entries whose element could not be filled.
	Skipped []mapper.Entry
}

// Options tune filling and outcome detection.
type Options struct {
	// DismissEvery re-runs obstacle dismissal after this many fields; 0 disables it.
	DismissEvery int
	SubmitWait   time.Duration
	PollInterval time.Duration
	// FieldTimeout bounds the whole sequence for one field.
	FieldTimeout time.Duration
}

// OptionsFromConfig maps the executor section onto Options.
func OptionsFromConfig(cfg config.ExecutorConfig) Options {
	return Options{
		DismissEvery: cfg.DismissEvery,
		SubmitWait:   cfg.SubmitWait,
		PollInterval: cfg.PollInterval,
		FieldTimeout: cfg.FieldTimeout,
	}
}

// Fingerprinter reports the fingerprint of the page's best form, "" when there is none.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, s browser.Session, hints ...schemas.MappingEntry) (string, error)
}

// Executor is stateless aside from its options and may be shared across runs.
type Executor struct {
	opts   Options
	fp     Fingerprinter
	logger *zap.Logger
}

func New(opts Options, fp Fingerprinter, logger *zap.Logger) *Executor {
	if opts.SubmitWait <= 0 {
		opts.SubmitWait = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.FieldTimeout <= 0 {
		opts.FieldTimeout = 20 * time.Second
	}
	return &Executor{opts: opts, fp: fp, logger: logger.Named("executor")}
}

// Execute fills every plan entry in order. A failure on an optional field is
// logged and skipped; a failure on a required field stops with *InteractionError.
// Session closure and cancellation are returned unwrapped.
func (x *Executor) Execute(ctx context.Context, plan *mapper.Plan, a *device.Adapter) (*FillReport, error) {
	report := &FillReport{UnfilledRequired: plan.MissingRequired}
	if err := x.DismissObstacles(ctx, a); err != nil {
		return report, err
	}

	for i, e := range plan.Entries {
		if x.opts.DismissEvery > 0 && i > 0 && i%x.opts.DismissEvery == 0 {
			if err := x.DismissObstacles(ctx, a); err != nil {
				return report, err
			}
		}

		err := x.fillOne(ctx, a, e)
		if err == nil {
			report.Filled = append(report.Filled, e)
			continue
		}
		if browser.IsTerminal(err) || ctx.Err() != nil {
			return report, err
		}
		log := x.logger.With(
			zap.String("field", string(e.Kind)),
			zap.String("element", e.Candidate.Describe()),
			zap.Error(err))
		if e.Required {
			log.Warn("Required field could not be filled.")
			return report, &InteractionError{Field: e.Kind, Element: e.Candidate.Describe(), Stage: "fill", Err: err}
		}
		log.Info("Skipping optional field that could not be filled.")
		report.Skipped = append(report.Skipped, e)
	}

	x.logger.Debug("Fill complete.",
		zap.Int("filled", len(report.Filled)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("unfilled_required", len(report.UnfilledRequired)))
	return report, nil
}

// DismissObstacles is best-effort; only session closure or cancellation escapes.
func (x *Executor) DismissObstacles(ctx context.Context, a *device.Adapter) error {
	if _, err := a.DismissCookieConsent(ctx); err != nil {
		return err
	}
	_, err := a.DismissModal(ctx)
	return err
}

// fillOne runs scroll, focus, clear, set and blur for one entry under the field timeout.
func (x *Executor) fillOne(parent context.Context, a *device.Adapter, e mapper.Entry) error {
	ctx, cancel := context.WithTimeout(parent, x.opts.FieldTimeout)
	defer cancel()

	t := e.Candidate.Target()
	if err := a.ScrollTo(ctx, t); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}

	switch e.Strategy {
	case schemas.FillCheckbox:
		if err := a.SetChecked(ctx, t, e.Value == "true"); err != nil {
			return fmt.Errorf("check: %w", err)
		}
		return nil

	case schemas.FillSelect:
		if err := a.Focus(ctx, t); err != nil {
			return fmt.Errorf("focus: %w", err)
		}
		value, label := pickOption(e.Candidate.Options, e.Value)
		if err := a.SelectOption(ctx, t, value, label); err != nil {
			return fmt.Errorf("select %q: %w", e.Value, err)
		}

	default:
		text := e.Value
		if e.Strategy == schemas.FillDate {
			text = formatDate(e.Candidate, e.Value, a.Profile().Emulation.Locale)
		}
		if err := a.Activate(ctx, t); err != nil {
			return fmt.Errorf("focus: %w", err)
		}
		if err := a.Clear(ctx, t); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		if err := a.TypeInto(ctx, t, text); err != nil {
			return fmt.Errorf("type: %w", err)
		}
	}

	if err := a.Blur(ctx, t); err != nil {
		return fmt.Errorf("blur: %w", err)
	}
	return nil
}
