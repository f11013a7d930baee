// Package locator finds the registration form on a loaded page. It ranks every form
// in the page inventory by how many contact and product fields it carries and
// returns the best one together with its fillable candidates.
package locator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/classifier"
)

// FormNotFoundError is returned when no form scores above zero. Timeout is set
// when the locate wait elapsed; otherwise the page could not be inspected.
type FormNotFoundError struct {
	URL     string
	Timeout bool
	Waited  time.Duration
	Err     error
}

func (e *FormNotFoundError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("no registration form found on %s within %s", e.URL, e.Waited.Round(time.Millisecond))
	case e.Err != nil:
		return fmt.Sprintf("could not inspect %s for a registration form: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("no registration form found on %s", e.URL)
}

func (e *FormNotFoundError) Unwrap() error { return e.Err }

// Located is the winning form of one locate pass.
type Located struct {
	URL  string
	Form browser.Form
	// Candidates are the visible, enabled, fillable elements of the form in DOM order.
	Candidates []browser.ElementCandidate
	Score      int
	// Action is the form's primary button; HasAction is false when the form has none.
	Action      browser.ElementCandidate
	HasAction   bool
	Role        ButtonRole
	Fingerprint string
}

// Options bound the locate wait.
type Options struct {
	// Timeout bounds the whole locate pass including the idle wait.
	Timeout time.Duration
	// Poll is the pause between inventory passes.
	Poll time.Duration
	// NetworkIdle is the quiet period handed to Session.WaitStable.
	NetworkIdle time.Duration
	// IdleTimeout bounds the network idle wait.
	IdleTimeout time.Duration
}

// Locator is stateless aside from its options and may be shared across runs.
type Locator struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Locator {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Second
	}
	return &Locator{opts: opts, logger: logger.Named("locator")}
}

// Locate waits for the page to settle and polls the inventory until a form with a
// positive score appears. Template hints count towards the score so a curated
// form is found even when its markup matches no rule.
func (l *Locator) Locate(ctx context.Context, s browser.Session, hints ...schemas.MappingEntry) (*Located, error) {
	started := time.Now()
	locateCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	idleCtx, idleCancel := context.WithTimeout(locateCtx, l.opts.IdleTimeout)
	err := s.WaitStable(idleCtx, l.opts.NetworkIdle)
	idleCancel()
	if err != nil {
		if browser.IsTerminal(err) || ctx.Err() != nil {
			return nil, l.abort(ctx, err)
		}
		l.logger.Debug("Network did not go idle, inspecting anyway.", zap.Error(err))
	}

	url, _ := s.CurrentURL(ctx)
	for pass := 1; ; pass++ {
		inv, err := s.Inspect(locateCtx)
		switch {
		case err == nil:
			if inv.URL != "" {
				url = inv.URL
			}
			if best, ok := Rank(inv, hints); ok {
				l.logger.Debug("Registration form located.",
					zap.String("url", url),
					zap.Int("form_index", best.Form.Index),
					zap.Int("score", best.Score),
					zap.Int("candidates", len(best.Candidates)),
					zap.String("role", string(best.Role)),
					zap.Int("passes", pass))
				return best, nil
			}
		case browser.IsTerminal(err) || ctx.Err() != nil:
			return nil, l.abort(ctx, err)
		case errors.Is(err, browser.ErrStaleElement), locateCtx.Err() != nil:
			// The document was replaced mid-inspection; try again.
		default:
			return nil, &FormNotFoundError{URL: url, Waited: time.Since(started), Err: err}
		}

		if err := browser.Sleep(locateCtx, l.opts.Poll); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &FormNotFoundError{URL: url, Timeout: true, Waited: time.Since(started)}
		}
	}
}

func (l *Locator) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Fingerprint inspects the page once and returns the best form's fingerprint, or
// "" when the page carries no scoring form.
func (l *Locator) Fingerprint(ctx context.Context, s browser.Session, hints ...schemas.MappingEntry) (string, error) {
	inv, err := s.Inspect(ctx)
	if err != nil {
		return "", err
	}
	if best, ok := Rank(inv, hints); ok {
		return best.Fingerprint, nil
	}
	return "", nil
}

// Rank scores every form in inv and returns the highest. The earliest form in
// DOM order wins ties.
func Rank(inv *browser.Inventory, hints []schemas.MappingEntry) (*Located, bool) {
	if inv == nil {
		return nil, false
	}
	var best *Located
	for _, form := range inv.Forms {
		score, cands := Score(form, hints)
		if score <= 0 {
			continue
		}
		if best != nil && score <= best.Score {
			continue
		}
		loc := &Located{
			URL:         inv.URL,
			Form:        form,
			Candidates:  cands,
			Score:       score,
			Fingerprint: Fingerprint(cands),
		}
		loc.Action, loc.Role, loc.HasAction = PrimaryButton(form.Buttons)
		best = loc
	}
	return best, best != nil
}

// Score weighs a form: each recognized fillable candidate counts 1, or 2 when it
// is a core registration field, and each distinct core kind present adds 1 more.
// It also returns the form's fillable candidates.
func Score(form browser.Form, hints []schemas.MappingEntry) (int, []browser.ElementCandidate) {
	var (
		score int
		cands []browser.ElementCandidate
		core  = map[schemas.FieldKind]struct{}{}
	)
	for _, c := range form.Candidates {
		if !c.Fillable() {
			continue
		}
		cands = append(cands, c)
		res := classifier.ClassifyWithHints(c, hints)
		if !res.Known() {
			continue
		}
		if res.Kind.CoreRequired() {
			score += 2
			core[res.Kind] = struct{}{}
		} else {
			score++
		}
	}
	return score + len(core), cands
}

// Fingerprint identifies a candidate set independent of the temporary handles, so
// the same form yields the same value across inspections and a step change yields
// a different one.
func Fingerprint(cands []browser.ElementCandidate) string {
	if len(cands) == 0 {
		return ""
	}
	keys := make([]string, 0, len(cands))
	for _, c := range cands {
		keys = append(keys, strings.Join([]string{c.Frame, c.Tag, c.Type, c.Name, c.ID}, "|"))
	}
	sort.Strings(keys)
	sum := sha1.Sum([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(sum[:8])
}
