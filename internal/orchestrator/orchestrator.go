// Package orchestrator runs one registration end to end. It owns the browser
// session, drives locate, map, fill and submit through the state machine, and
// is the only place that decides between retrying, failing and handing the run
// to a human.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/diagnostics"
	"github.com/xkilldash9x/autoreg/internal/executor"
	"github.com/xkilldash9x/autoreg/internal/locator"
	"github.com/xkilldash9x/autoreg/internal/mapper"
	"github.com/xkilldash9x/autoreg/internal/observability"
)

// State is a stage of the run state machine.
type State string

const (
	StateInit        State = "INIT"
	StateLocating    State = "LOCATING"
	StateMapping     State = "MAPPING"
	StateFilling     State = "FILLING"
	StateSubmitting  State = "SUBMITTING"
	StateSuccess     State = "SUCCESS"
	StateNeedsManual State = "NEEDS_MANUAL"
	StateFailed      State = "FAILED"
)

// TemplateSource resolves a manufacturer's curated field mapping. A nil mapping
// with a nil error means there is none.
type TemplateSource interface {
	Lookup(ctx context.Context, manufacturer string) (*schemas.FieldMapping, error)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTemplates sets the source consulted when a job carries no inline mapping.
func WithTemplates(src TemplateSource) Option {
	return func(o *Orchestrator) { o.templates = src }
}

// WithDiagnostics enables artifact capture on failed attempts.
func WithDiagnostics(w *diagnostics.Writer) Option {
	return func(o *Orchestrator) { o.diag = w }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMeter replaces the global meter.
func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) { o.meter = m }
}

// Orchestrator is safe for concurrent use; every Run gets its own session.
type Orchestrator struct {
	cfg       config.Interface
	logger    *zap.Logger
	launcher  browser.Launcher
	locator   *locator.Locator
	mapper    *mapper.Mapper
	executor  *executor.Executor
	templates TemplateSource
	diag      *diagnostics.Writer
	tracer    trace.Tracer
	meter     metric.Meter
	metrics   *runMetrics
}

// New wires the engine components from cfg. The mapper is injected so callers
// decide whether an advisor backs the hybrid strategy.
func New(cfg config.Interface, logger *zap.Logger, launcher browser.Launcher, mp *mapper.Mapper, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if launcher == nil {
		return nil, errors.New("browser launcher cannot be nil")
	}
	if mp == nil {
		return nil, errors.New("mapper cannot be nil")
	}

	bc := cfg.Browser()
	ac := cfg.Automation()
	loc := locator.New(locator.Options{
		Timeout:     ac.LocateTimeout,
		Poll:        ac.LocatePoll,
		NetworkIdle: bc.NetworkIdle,
		IdleTimeout: bc.IdleTimeout,
	}, logger)

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		launcher: launcher,
		locator:  loc,
		mapper:   mp,
		executor: executor.New(executor.OptionsFromConfig(cfg.Executor()), loc, logger),
		tracer:   otel.Tracer(observability.InstrumentationName),
		meter:    otel.Meter(observability.InstrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}

	m, err := newRunMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create run metrics: %w", err)
	}
	o.metrics = m
	return o, nil
}

// Run executes one registration job and always returns a result. Panics and
// unclassified errors become unexpected_error; nothing escapes.
func (o *Orchestrator) Run(ctx context.Context, job schemas.Job) (res *schemas.RegistrationResult) {
	started := time.Now()
	res = &schemas.RegistrationResult{
		RunID:     uuid.NewString(),
		JobID:     job.ID,
		TargetURL: job.TargetURL,
		StartedAt: started.UTC(),
	}

	ctx, span := o.tracer.Start(ctx, "autoreg.run", trace.WithAttributes(
		attribute.String("autoreg.run_id", res.RunID),
		attribute.String("autoreg.job_id", job.ID),
		attribute.String("autoreg.target_url", job.TargetURL),
	))
	defer span.End()

	if timeout := o.cfg.Automation().RunTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r := &run{
		o:      o,
		job:    job,
		res:    res,
		span:   span,
		logger: o.logger.With(zap.String("run_id", res.RunID), zap.String("job_id", job.ID)),
	}

	defer o.finish(ctx, span, r, started)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Run panicked.", zap.Any("panic", p), zap.Stack("stack"))
			r.settle(&failure{status: schemas.StatusFailed, errType: schemas.ErrorUnexpected, err: fmt.Errorf("panic: %v", p)})
		}
	}()

	r.execute(ctx)
	return res
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, r *run, started time.Time) {
	res := r.res
	if res.Status == "" {
		r.settle(&failure{status: schemas.StatusFailed, errType: schemas.ErrorUnexpected, err: errors.New("run ended without an outcome")})
	}
	res.FinishedAt = time.Now().UTC()
	res.DurationMs = time.Since(started).Milliseconds()

	span.SetAttributes(
		attribute.String("autoreg.status", string(res.Status)),
		attribute.String("autoreg.error_type", string(res.ErrorType)),
		attribute.Int("autoreg.attempts", res.AttemptNumber),
		attribute.Int("autoreg.fields_filled", res.FieldsFilled),
	)
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	o.metrics.record(context.WithoutCancel(ctx), res)

	r.logger.Info("Run finished.",
		zap.String("status", string(res.Status)),
		zap.String("error_type", string(res.ErrorType)),
		zap.String("confirmation_code", res.ConfirmationCode),
		zap.Int("attempts", res.AttemptNumber),
		zap.Int("fields_filled", res.FieldsFilled),
		zap.Int64("duration_ms", res.DurationMs))
}

type runMetrics struct {
	runs     metric.Int64Counter
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func newRunMetrics(m metric.Meter) (*runMetrics, error) {
	runs, err := m.Int64Counter("autoreg.runs",
		metric.WithDescription("Registration runs by final status."))
	if err != nil {
		return nil, err
	}
	attempts, err := m.Int64Counter("autoreg.attempts",
		metric.WithDescription("Attempts spent across all runs."))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram("autoreg.run.duration",
		metric.WithDescription("Wall-clock duration of a run."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &runMetrics{runs: runs, attempts: attempts, duration: duration}, nil
}

func (m *runMetrics) record(ctx context.Context, res *schemas.RegistrationResult) {
	attrs := metric.WithAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String("error_type", string(res.ErrorType)),
	)
	m.runs.Add(ctx, 1, attrs)
	m.attempts.Add(ctx, int64(res.AttemptNumber), attrs)
	m.duration.Record(ctx, float64(res.DurationMs)/1000, attrs)
}
