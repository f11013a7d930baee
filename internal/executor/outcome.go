package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/device"
	"github.com/xkilldash9x/autoreg/internal/locator"
)

// OutcomeKind is what a submission led to.
type OutcomeKind string

const (
	OutcomePending    OutcomeKind = "pending"
	OutcomeSuccess    OutcomeKind = "success"
	OutcomeAdvanced   OutcomeKind = "advanced"
	OutcomeValidation OutcomeKind = "validation"
)

// Outcome is the observed effect of a submission.
type Outcome struct {
	Kind             OutcomeKind
	URL              string
	ConfirmationCode string
	// Messages are the visible validation texts.
	Messages    []string
	Fingerprint string
}

// ValidationError carries the page's validation messages after a rejected submission.
type ValidationError struct {
	URL      string
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("form on %s was rejected by validation", e.URL)
	}
	return fmt.Sprintf("form on %s was rejected by validation: %s", e.URL, strings.Join(e.Messages, "; "))
}

// Before is the page state captured right before submission.
type Before struct {
	URL         string
	Fingerprint string
	Hints       []schemas.MappingEntry
	// Messages already visible before submission never count as validation.
	Messages []string
}

// Snapshot captures the pre-submission state of the page for AwaitOutcome.
func (x *Executor) Snapshot(ctx context.Context, s browser.Session, loc *locator.Located, hints []schemas.MappingEntry) (Before, error) {
	before := Before{URL: loc.URL, Fingerprint: loc.Fingerprint, Hints: hints}
	if current, err := s.CurrentURL(ctx); err == nil {
		before.URL = current
	} else if browser.IsTerminal(err) {
		return before, err
	}
	msgs, err := validationMessages(ctx, s, nil)
	if err != nil {
		if browser.IsTerminal(err) {
			return before, err
		}
		x.logger.Debug("Could not read pre-submission messages.", zap.Error(err))
	}
	before.Messages = msgs
	return before, nil
}

// SubmitMethod records how the submission was triggered.
type SubmitMethod string

const (
	SubmitButton SubmitMethod = "button"
	SubmitNative SubmitMethod = "native"
	SubmitEnter  SubmitMethod = "enter"
)

var (
	validationXPath = "//*[@role='alert' or @aria-invalid='true' or @data-validation-error or " +
		"contains(concat(' ',normalize-space(@class),' '),' error ') or contains(@class,'error-message') or " +
		"contains(@class,'field-error') or contains(@class,'invalid-feedback') or contains(@class,'validation-error') or " +
		"contains(@class,'has-error') or contains(@class,'is-invalid') or contains(@class,'form-error')]"

	successMarkerXPath = "//*[not(self::input or self::select or self::textarea or self::label)]" +
		"[@data-registration-status='success' or @data-registration-complete or " +
		"contains(@class,'registration-success') or contains(@class,'registration-complete') or " +
		"@id='registration-success' or @id='confirmation' or @id='registration-confirmation']"

	successPattern = regexp.MustCompile(`(?i)(thank\s*you\s+for\s+(registering|your\s+registration)|registration\s+(is\s+)?(complete|successful|confirmed|received)|successfully\s+registered|has\s+been\s+registered|product\s+(is\s+)?registered|your\s+confirmation\s+(number|code)|warranty\s+(is\s+)?(now\s+)?(active|activated|registered))`)

	codeText = regexp.MustCompile(`(?i)(?:confirmation|reference|registration|ticket)\s*(?:number|code|id|no\.?|#)?\s*(?:is|:|#)?\s*#?\s*([A-Z0-9][A-Z0-9-]{3,31})\b`)

	codeParams = []string{"confirmation", "confirm", "confirmation_code", "confirmationCode", "confirmation_number", "code", "ref", "reference", "registration_id", "registrationId"}

	errorURL = regexp.MustCompile(`(?i)(/error|/404|/500|/oops|[?&](error|err)=|/not-?found)`)
)

// Submit triggers submission of the located form and waits for its outcome. The
// form's action button is preferred; native submission and Enter on the last text
// field are fallbacks when the button is missing or unusable.
func (x *Executor) Submit(ctx context.Context, loc *locator.Located, a *device.Adapter, before Before) (Outcome, SubmitMethod, error) {
	method, err := x.trigger(ctx, loc, a)
	if err != nil {
		return Outcome{Kind: OutcomePending, URL: before.URL}, method, err
	}
	x.logger.Debug("Submission triggered.", zap.String("method", string(method)), zap.String("url", before.URL))
	out, err := x.AwaitOutcome(ctx, a.Session(), before)
	return out, method, err
}

func (x *Executor) trigger(ctx context.Context, loc *locator.Located, a *device.Adapter) (SubmitMethod, error) {
	var errs []error
	if loc.HasAction {
		err := a.Activate(ctx, loc.Action.Target())
		if err == nil {
			return SubmitButton, nil
		}
		if browser.IsTerminal(err) {
			return SubmitButton, err
		}
		x.logger.Info("Action button unusable, falling back.", zap.String("button", loc.Action.Describe()), zap.Error(err))
		errs = append(errs, fmt.Errorf("button: %w", err))
	}

	if !loc.Form.Synthetic {
		err := a.Submit(ctx, browser.Target{Selector: loc.Form.Selector, Frame: loc.Form.Frame})
		if err == nil {
			return SubmitNative, nil
		}
		if browser.IsTerminal(err) {
			return SubmitNative, err
		}
		errs = append(errs, fmt.Errorf("native: %w", err))
	}

	for i := len(loc.Candidates) - 1; i >= 0; i-- {
		c := loc.Candidates[i]
		if c.Control() != browser.ControlText || c.Tag == "textarea" {
			continue
		}
		err := a.PressEnter(ctx, c.Target())
		if err == nil {
			return SubmitEnter, nil
		}
		if browser.IsTerminal(err) {
			return SubmitEnter, err
		}
		errs = append(errs, fmt.Errorf("enter: %w", err))
		break
	}

	element := "form"
	if loc.HasAction {
		element = loc.Action.Describe()
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("form has no submit control"))
	}
	return "", &InteractionError{Element: element, Stage: "submit", Err: errors.Join(errs...)}
}

// AwaitOutcome polls the page until a submission effect is visible or the submit
// wait elapses. Checks run in order: validation markers, confirmation, URL change,
// then a same-URL form change. Only session closure and caller cancellation are errors.
func (x *Executor) AwaitOutcome(ctx context.Context, s browser.Session, before Before) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, x.opts.SubmitWait)
	defer cancel()

	last := Outcome{Kind: OutcomePending, URL: before.URL, Fingerprint: before.Fingerprint}
	for {
		out, err := x.observe(waitCtx, s, before)
		switch {
		case err == nil && out.Kind != OutcomePending:
			x.logger.Debug("Submission outcome observed.", zap.String("outcome", string(out.Kind)), zap.String("url", out.URL))
			return out, nil
		case err == nil:
			last = out
		case browser.IsTerminal(err) || ctx.Err() != nil:
			return last, err
		case !errors.Is(err, context.DeadlineExceeded):
			x.logger.Debug("Outcome probe failed, retrying.", zap.Error(err))
		}

		if err := browser.Sleep(waitCtx, x.opts.PollInterval); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, nil
		}
	}
}

func (x *Executor) observe(ctx context.Context, s browser.Session, before Before) (Outcome, error) {
	current, err := s.CurrentURL(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Kind: OutcomePending, URL: current, Fingerprint: before.Fingerprint}

	page, err := s.HTML(ctx)
	if err != nil {
		return out, err
	}
	text := pageText(page)

	msgs, err := validationMessages(ctx, s, before.Messages)
	if err != nil {
		return out, err
	}
	if len(msgs) > 0 && !successPattern.MatchString(strings.Join(msgs, " ")) {
		out.Kind = OutcomeValidation
		out.Messages = msgs
		return out, nil
	}

	markers, err := browser.FindVisible(ctx, s, successMarkerXPath)
	if err != nil {
		return out, err
	}
	if len(markers) > 0 || successPattern.MatchString(text) {
		out.Kind = OutcomeSuccess
		out.ConfirmationCode = confirmationCode(current, text)
		return out, nil
	}

	fp, err := x.fp.Fingerprint(ctx, s, before.Hints...)
	if err != nil {
		return out, err
	}
	out.Fingerprint = fp

	if !sameURL(current, before.URL) {
		switch {
		case fp != "" && fp != before.Fingerprint:
			out.Kind = OutcomeAdvanced
		case fp == before.Fingerprint && fp != "":
			// The same form came back on a new URL; treat it as not yet handled.
		case errorURL.MatchString(current):
			x.logger.Debug("Landed on what looks like an error page.", zap.String("url", current))
		default:
			out.Kind = OutcomeSuccess
			out.ConfirmationCode = confirmationCode(current, text)
		}
		return out, nil
	}

	if fp != "" && fp != before.Fingerprint {
		out.Kind = OutcomeAdvanced
	}
	return out, nil
}

func validationMessages(ctx context.Context, s browser.Session, ignore []string) ([]string, error) {
	els, err := browser.FindVisible(ctx, s, validationXPath)
	if err != nil {
		return nil, err
	}
	var msgs []string
	seen := make(map[string]bool, len(ignore))
	for _, m := range ignore {
		seen[m] = true
	}
	for _, el := range els {
		switch el.Tag {
		case "html", "body", "main", "form":
			continue
		}
		msg := strings.TrimSpace(el.Text)
		if msg == "" && el.Control() != browser.ControlNone {
			msg = "invalid " + el.Describe()
		}
		if msg == "" || len(msg) > 300 || seen[msg] {
			continue
		}
		seen[msg] = true
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// pageText extracts the visible-ish text of an HTML document.
func pageText(page string) string {
	doc, err := htmlquery.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	for _, n := range htmlquery.Find(doc, "//script | //style | //noscript | //template") {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	body := htmlquery.FindOne(doc, "//body")
	if body == nil {
		body = doc
	}
	return strings.Join(strings.Fields(htmlquery.InnerText(body)), " ")
}

// confirmationCode prefers an explicit URL parameter over page text.
func confirmationCode(current, text string) string {
	if u, err := url.Parse(current); err == nil {
		q := u.Query()
		for _, p := range codeParams {
			if v := strings.TrimSpace(q.Get(p)); v != "" {
				return v
			}
		}
	}
	for _, m := range codeText.FindAllStringSubmatch(text, -1) {
		code := m[1]
		// A code has at least one digit; this skips words like "number" or "confirmed".
		if strings.ContainsAny(code, "0123456789") {
			return code
		}
	}
	return ""
}

func sameURL(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	ua.Fragment, ub.Fragment = "", ""
	return strings.TrimSuffix(ua.String(), "/") == strings.TrimSuffix(ub.String(), "/")
}
