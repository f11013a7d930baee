package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/browser/humanoid"
	"github.com/xkilldash9x/autoreg/internal/classifier"
	"github.com/xkilldash9x/autoreg/internal/device"
	"github.com/xkilldash9x/autoreg/internal/executor"
	"github.com/xkilldash9x/autoreg/internal/locator"
	"github.com/xkilldash9x/autoreg/internal/mapper"
)

// captchaXPath matches the widgets of the common challenge providers and
// plain image-captcha inputs.
const captchaXPath = "//iframe[contains(@src,'recaptcha') or contains(@src,'hcaptcha') or " +
	"contains(@src,'challenges.cloudflare.com') or contains(@src,'arkoselabs') or contains(@src,'funcaptcha')]" +
	" | //*[contains(concat(' ',normalize-space(@class),' '),' g-recaptcha ') or " +
	"contains(concat(' ',normalize-space(@class),' '),' h-captcha ') or " +
	"contains(concat(' ',normalize-space(@class),' '),' cf-turnstile ') or " +
	"contains(@class,'frc-captcha') or @id='captcha' or @data-sitekey or " +
	"(self::input and contains(translate(@name,'CAPTCH','captch'),'captcha'))]"

const (
	defaultMaxAttempts = 3
	defaultMaxSteps    = 5
	cleanupTimeout     = 15 * time.Second
)

// failure is the classified outcome of one unsuccessful attempt.
type failure struct {
	status  schemas.RunStatus
	errType schemas.ErrorType
	err     error
	manual  *schemas.ManualAction
	// transient marks a form_not_found caused by a timeout or a failed load.
	transient bool
	// terminal means the session is gone or the caller gave up.
	terminal bool
}

// run carries the state of one Run call.
type run struct {
	o       *Orchestrator
	job     schemas.Job
	res     *schemas.RegistrationResult
	span    trace.Span
	logger  *zap.Logger
	state   State
	hints   *schemas.FieldMapping
	entries []schemas.MappingEntry
}

func (r *run) transition(s State) {
	r.state = s
	r.span.AddEvent(string(s), trace.WithAttributes(attribute.Int("autoreg.attempt", r.res.AttemptNumber)))
	r.logger.Debug("State transition.", zap.String("state", string(s)), zap.Int("attempt", r.res.AttemptNumber))
}

func (r *run) execute(ctx context.Context) {
	o := r.o
	r.transition(StateInit)

	name := r.job.Profile
	if name == "" {
		name = o.cfg.Device().Profile
	}
	profile, err := device.Lookup(name)
	if err != nil {
		r.settle(unexpected(err))
		return
	}
	r.resolveTemplates(ctx)

	sess, err := o.launcher.Launch(ctx)
	if err != nil {
		if f := r.interrupted(ctx, err); f != nil {
			r.settle(f)
			return
		}
		r.settle(unexpected(fmt.Errorf("failed to launch %s session: %w", o.launcher.Name(), err)))
		return
	}
	defer r.closeSession(ctx, sess)
	r.logger = r.logger.With(zap.String("session_id", sess.ID()))
	// Runs before closeSession so the artifacts still see the page.
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Run panicked.", zap.Any("panic", p), zap.Stack("stack"))
			f := unexpected(fmt.Errorf("panic: %v", p))
			r.capture(ctx, sess, r.res.AttemptNumber, f)
			r.settle(f)
		}
	}()

	cadence := humanoid.NewCadence(o.cfg.Browser().Typing, time.Now().UnixNano())
	a, err := device.Configure(ctx, sess, profile, device.OptionsFromConfig(o.cfg.Device(), cadence), r.logger)
	if err != nil {
		if f := r.interrupted(ctx, err); f != nil {
			r.settle(f)
			return
		}
		r.settle(unexpected(err))
		return
	}

	ac := o.cfg.Automation()
	maxAttempts := ac.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	interactionRetries, validationRetries := 0, 0

	for attempt := 1; ; attempt++ {
		r.res.AttemptNumber = attempt
		f := r.attempt(ctx, a)
		if f == nil {
			return
		}
		r.capture(ctx, sess, attempt, f)

		retry := false
		switch {
		case f.terminal, attempt >= maxAttempts:
		case f.errType == schemas.ErrorFormNotFound:
			retry = f.transient
		case f.errType == schemas.ErrorInteraction:
			if interactionRetries < ac.InteractionRetries {
				interactionRetries++
				retry = true
			}
		case f.errType == schemas.ErrorValidation:
			if validationRetries < ac.ValidationRetries {
				validationRetries++
				retry = true
			}
		}
		if !retry {
			r.settle(f)
			return
		}

		r.logger.Warn("Attempt failed, retrying.",
			zap.Int("attempt", attempt),
			zap.String("error_type", string(f.errType)),
			zap.Error(f.err))
		if err := browser.Sleep(ctx, ac.RetryBackoff); err != nil {
			r.settle(r.interrupted(ctx, err))
			return
		}
	}
}

// attempt navigates to the target and walks the form until an outcome is
// reached. It returns nil on success.
func (r *run) attempt(ctx context.Context, a *device.Adapter) *failure {
	o := r.o
	sess := a.Session()
	r.res.FieldsFilled = 0
	r.res.StepsCompleted = 0
	r.res.Unmapped = nil

	r.transition(StateLocating)
	if err := sess.Navigate(ctx, r.job.TargetURL); err != nil {
		if f := r.interrupted(ctx, err); f != nil {
			return f
		}
		return &failure{
			status:    schemas.StatusFailed,
			errType:   schemas.ErrorFormNotFound,
			err:       fmt.Errorf("failed to load %s: %w", r.job.TargetURL, err),
			transient: true,
		}
	}

	maxSteps := o.cfg.Automation().MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	for step := 1; step <= maxSteps; step++ {
		if step > 1 {
			r.transition(StateLocating)
		}
		loc, err := o.locator.Locate(ctx, sess, r.entries...)
		if err != nil {
			if f := r.interrupted(ctx, err); f != nil {
				return f
			}
			var nf *locator.FormNotFoundError
			if errors.As(err, &nf) {
				return &failure{status: schemas.StatusFailed, errType: schemas.ErrorFormNotFound, err: err, transient: nf.Timeout}
			}
			return unexpected(err)
		}
		r.res.FinalURL = loc.URL
		if f := r.checkCaptcha(ctx, sess); f != nil {
			return f
		}

		r.transition(StateMapping)
		plan, err := o.mapper.Map(ctx, loc.Candidates, r.job.Data, r.hints, mapper.Options{
			Strategy:        o.cfg.Automation().DetectionStrategy,
			AllowNoRequired: step > 1,
		})
		r.res.Unmapped = append(r.res.Unmapped, plan.UnmappedFields()...)
		if err != nil {
			if f := r.interrupted(ctx, err); f != nil {
				return f
			}
			var me *mapper.MappingError
			if errors.As(err, &me) {
				return &failure{
					status:  schemas.StatusFailed,
					errType: schemas.ErrorMappingFailed,
					err:     err,
					manual:  &schemas.ManualAction{Reason: schemas.ManualUnsupportedForm, URL: loc.URL},
				}
			}
			return unexpected(err)
		}

		r.transition(StateFilling)
		report, err := o.executor.Execute(ctx, plan, a)
		if report != nil {
			r.res.FieldsFilled += len(report.Filled)
			if len(report.UnfilledRequired) > 0 {
				r.logger.Warn("Required fields have no data in the record.", zap.Int("count", len(report.UnfilledRequired)))
			}
		}
		if err != nil {
			return r.interactionFailure(ctx, err)
		}

		r.transition(StateSubmitting)
		if f := r.checkCaptcha(ctx, sess); f != nil {
			return f
		}
		before, err := o.executor.Snapshot(ctx, sess, loc, r.entries)
		if err != nil {
			return r.interactionFailure(ctx, err)
		}
		out, method, err := o.executor.Submit(ctx, loc, a, before)
		if err != nil {
			return r.interactionFailure(ctx, err)
		}
		r.res.FinalURL = out.URL

		switch out.Kind {
		case executor.OutcomeSuccess:
			r.res.StepsCompleted = step
			r.succeed(out)
			return nil
		case executor.OutcomeValidation:
			return &failure{
				status:  schemas.StatusFailed,
				errType: schemas.ErrorValidation,
				err:     &executor.ValidationError{URL: out.URL, Messages: out.Messages},
			}
		case executor.OutcomeAdvanced:
			r.res.StepsCompleted = step
			r.logger.Info("Form advanced to its next step.", zap.Int("step", step), zap.String("url", out.URL))
		default:
			return &failure{
				status:  schemas.StatusFailed,
				errType: schemas.ErrorInteraction,
				err:     fmt.Errorf("submission via %s had no observable effect on %s", method, out.URL),
			}
		}
	}
	return &failure{
		status:  schemas.StatusFailed,
		errType: schemas.ErrorInteraction,
		err:     fmt.Errorf("form was still advancing after %d steps", maxSteps),
	}
}

func (r *run) checkCaptcha(ctx context.Context, s browser.Session) *failure {
	found, err := browser.FindVisible(ctx, s, captchaXPath)
	if err != nil {
		if f := r.interrupted(ctx, err); f != nil {
			return f
		}
		r.logger.Debug("Captcha probe failed.", zap.Error(err))
		return nil
	}
	if len(found) == 0 {
		return nil
	}
	url := r.res.FinalURL
	if current, err := s.CurrentURL(ctx); err == nil {
		url = current
	}
	return &failure{
		status:  schemas.StatusNeedsManual,
		errType: schemas.ErrorCaptcha,
		err:     fmt.Errorf("captcha challenge %s present on %s", found[0].Describe(), url),
		manual:  &schemas.ManualAction{Reason: schemas.ManualCaptcha, URL: url},
	}
}

func (r *run) interactionFailure(ctx context.Context, err error) *failure {
	if f := r.interrupted(ctx, err); f != nil {
		return f
	}
	var ie *executor.InteractionError
	if errors.As(err, &ie) || errors.Is(err, browser.ErrStaleElement) || errors.Is(err, browser.ErrNotInteractable) {
		return &failure{status: schemas.StatusFailed, errType: schemas.ErrorInteraction, err: err}
	}
	return unexpected(err)
}

// interrupted classifies session loss and caller cancellation; it returns nil
// for any other error.
func (r *run) interrupted(ctx context.Context, err error) *failure {
	cause := err
	switch {
	case ctx.Err() != nil:
		cause = ctx.Err()
	case browser.IsTerminal(err):
	default:
		return nil
	}
	return &failure{
		status:   schemas.StatusFailed,
		errType:  schemas.ErrorUnexpected,
		err:      fmt.Errorf("run interrupted in %s: %w", r.state, cause),
		terminal: true,
	}
}

func unexpected(err error) *failure {
	return &failure{status: schemas.StatusFailed, errType: schemas.ErrorUnexpected, err: err}
}

func (r *run) settle(f *failure) {
	r.res.Status = f.status
	r.res.Success = false
	r.res.ErrorType = f.errType
	r.res.ManualAction = f.manual
	if f.err != nil {
		r.res.ErrorMessage = f.err.Error()
	}
	if f.status == schemas.StatusNeedsManual {
		r.transition(StateNeedsManual)
	} else {
		r.transition(StateFailed)
	}
}

func (r *run) succeed(out executor.Outcome) {
	r.res.Status = schemas.StatusSuccess
	r.res.Success = true
	r.res.ConfirmationCode = out.ConfirmationCode
	r.res.FinalURL = out.URL
	r.res.ErrorType = ""
	r.res.ErrorMessage = ""
	r.res.ManualAction = nil
	r.transition(StateSuccess)
}

// resolveTemplates prefers the job's inline mapping over the template source.
// Lookup failures only cost the hints.
func (r *run) resolveTemplates(ctx context.Context) {
	switch {
	case r.job.Mapping != nil:
		r.hints = r.job.Mapping
	case r.o.templates != nil && r.job.ManufacturerName() != "":
		m, err := r.o.templates.Lookup(ctx, r.job.ManufacturerName())
		if err != nil {
			r.logger.Warn("Template lookup failed, continuing without hints.",
				zap.String("manufacturer", r.job.ManufacturerName()), zap.Error(err))
			return
		}
		r.hints = m
	}
	if r.hints == nil {
		return
	}
	if ok, err := classifier.Compatible(r.hints.RulesVersion); err == nil && ok {
		r.entries = r.hints.Entries
	}
}

// capture stores diagnostics for a failed or escalated attempt.
func (r *run) capture(ctx context.Context, s browser.Session, attempt int, f *failure) {
	if r.o.diag == nil || !r.o.cfg.Automation().ScreenshotOnFailure || errors.Is(f.err, browser.ErrSessionClosed) {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	art, err := r.o.diag.Capture(cctx, s, r.res.RunID, attempt, string(f.errType))
	if err != nil {
		r.logger.Warn("Diagnostics capture failed.", zap.Int("attempt", attempt), zap.Error(err))
	}
	if art.ScreenshotPath != "" {
		r.res.ScreenshotPath = art.ScreenshotPath
	}
	if art.HTMLPath != "" {
		r.res.HTMLSnapshotPath = art.HTMLPath
	}
	if art.HTMLInline != "" {
		r.res.HTMLSnapshot = art.HTMLInline
	}
}

func (r *run) closeSession(ctx context.Context, s browser.Session) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.Close(cctx); err != nil && !errors.Is(err, browser.ErrSessionClosed) {
		r.logger.Warn("Failed to close browser session.", zap.Error(err))
	}
}
