// Package device applies a device profile to a browser session and exposes the
// interaction primitives the executor uses. Executor code stays device-agnostic:
// whether an activation is a tap or a click is decided here.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/browser/humanoid"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Adapter binds one session to one profile. Not safe for concurrent use, like the session.
type Adapter struct {
	session    browser.Session
	profile    Profile
	cadence    *humanoid.Cadence
	logger     *zap.Logger
	maxDismiss int
}

// Options tune an adapter beyond its profile.
type Options struct {
	// MaxDismissAttempts bounds each dismissal sweep (default 2).
	MaxDismissAttempts int
	// SettleDelay overrides the profile's settle delay when positive.
	SettleDelay time.Duration
	// Cadence supplies per-character typing delays; nil types without pauses.
	Cadence *humanoid.Cadence
}

// OptionsFromConfig maps the device section onto Options.
func OptionsFromConfig(cfg config.DeviceConfig, cadence *humanoid.Cadence) Options {
	return Options{
		MaxDismissAttempts: cfg.MaxDismissAttempts,
		SettleDelay:        cfg.SettleDelay,
		Cadence:            cadence,
	}
}

// Configure applies p's emulation to s and returns the adapter for it.
func Configure(ctx context.Context, s browser.Session, p Profile, opts Options, logger *zap.Logger) (*Adapter, error) {
	if err := s.Emulate(ctx, p.Emulation); err != nil {
		return nil, fmt.Errorf("failed to apply device profile %s: %w", p.Name, err)
	}
	if opts.SettleDelay > 0 {
		p.SettleDelay = opts.SettleDelay
	}
	max := opts.MaxDismissAttempts
	if max <= 0 {
		max = 2
	}
	return &Adapter{
		session:    s,
		profile:    p,
		cadence:    opts.Cadence,
		logger:     logger.Named("device").With(zap.String("profile", p.Name)),
		maxDismiss: max,
	}, nil
}

// Profile returns the applied profile.
func (a *Adapter) Profile() Profile { return a.profile }

// Session returns the underlying session.
func (a *Adapter) Session() browser.Session { return a.session }

func (a *Adapter) settle(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	return browser.Sleep(ctx, a.profile.SettleDelay)
}

func (a *Adapter) act(ctx context.Context, action browser.Action) error {
	return a.settle(ctx, a.session.Act(ctx, action))
}

// Activate taps on touch profiles and clicks otherwise.
func (a *Adapter) Activate(ctx context.Context, t browser.Target) error {
	kind := browser.ActClick
	if a.profile.Touch() {
		kind = browser.ActTap
	}
	return a.act(ctx, browser.Action{Kind: kind, Target: t})
}

// Focus moves input focus to the element without activating it.
func (a *Adapter) Focus(ctx context.Context, t browser.Target) error {
	return a.act(ctx, browser.Action{Kind: browser.ActFocus, Target: t})
}

// TypeInto types text with the profile's cadence.
func (a *Adapter) TypeInto(ctx context.Context, t browser.Target, text string) error {
	return a.act(ctx, browser.Action{
		Kind:      browser.ActType,
		Target:    t,
		Text:      text,
		KeyDelays: a.cadence.Delays(text, a.profile.TypingSpeed),
	})
}

// Clear empties a text control.
func (a *Adapter) Clear(ctx context.Context, t browser.Target) error {
	return a.act(ctx, browser.Action{Kind: browser.ActClear, Target: t})
}

// SelectOption picks the option whose value is value, falling back to a label match.
func (a *Adapter) SelectOption(ctx context.Context, t browser.Target, value, label string) error {
	return a.act(ctx, browser.Action{Kind: browser.ActSelect, Target: t, Text: value, Label: label})
}

// SetChecked sets a checkbox or radio to the wanted state.
func (a *Adapter) SetChecked(ctx context.Context, t browser.Target, checked bool) error {
	return a.act(ctx, browser.Action{Kind: browser.ActCheck, Target: t, Checked: checked})
}

// ScrollTo brings the element into the viewport.
func (a *Adapter) ScrollTo(ctx context.Context, t browser.Target) error {
	return a.act(ctx, browser.Action{Kind: browser.ActScroll, Target: t})
}

// Blur removes focus, which closes the on-screen keyboard on touch devices.
func (a *Adapter) Blur(ctx context.Context, t browser.Target) error {
	return a.act(ctx, browser.Action{Kind: browser.ActBlur, Target: t})
}

// Submit requests native submission of the form containing t (or t itself when it is a form).
func (a *Adapter) Submit(ctx context.Context, t browser.Target) error {
	return a.act(ctx, browser.Action{Kind: browser.ActSubmit, Target: t})
}

// PressEnter sends Enter to the element.
func (a *Adapter) PressEnter(ctx context.Context, t browser.Target) error {
	return a.act(ctx, browser.Action{Kind: browser.ActPressEnter, Target: t})
}

// DismissCookieConsent clicks away cookie banners. It returns the number of
// banners dismissed; only session closure or cancellation is returned as an error.
func (a *Adapter) DismissCookieConsent(ctx context.Context) (int, error) {
	return a.dismiss(ctx, "cookie_consent", cookieConsentXPaths)
}

// DismissModal closes overlays that do not contain a form.
func (a *Adapter) DismissModal(ctx context.Context) (int, error) {
	return a.dismiss(ctx, "modal", modalCloseXPaths)
}

// dismiss sweeps patterns up to maxDismiss times, stopping early once a sweep
// finds nothing. Every ignored failure is logged.
func (a *Adapter) dismiss(ctx context.Context, what string, patterns []string) (int, error) {
	dismissed := 0
	for attempt := 1; attempt <= a.maxDismiss; attempt++ {
		hit := false
		for _, xp := range patterns {
			els, err := browser.FindVisible(ctx, a.session, xp)
			if err != nil {
				if fatal(ctx, err) {
					return dismissed, err
				}
				a.logger.Debug("Ignored dismissal lookup failure.", zap.String("obstacle", what), zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if len(els) == 0 {
				continue
			}
			hit = true
			if err := a.Activate(ctx, els[0].Target()); err != nil {
				if fatal(ctx, err) {
					return dismissed, err
				}
				a.logger.Info("Ignored dismissal failure.", zap.String("obstacle", what), zap.Int("attempt", attempt),
					zap.String("element", els[0].Describe()), zap.Error(err))
				continue
			}
			dismissed++
			a.logger.Debug("Dismissed obstacle.", zap.String("obstacle", what), zap.String("element", els[0].Describe()))
			break
		}
		if !hit {
			break
		}
	}
	return dismissed, nil
}

func fatal(ctx context.Context, err error) bool {
	return browser.IsTerminal(err) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil)
}
