// internal/browser/browser.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors shared by every adapter. Adapters wrap them so callers can use errors.Is.
var (
	// ErrSessionClosed is returned by every operation once the session has been closed.
	// It is terminal and must never be retried.
	ErrSessionClosed = errors.New("browser session is closed")
	// ErrStaleElement means the targeted element was removed or replaced since it was discovered.
	ErrStaleElement = errors.New("element is stale or detached from the document")
	// ErrNotInteractable means the element exists but cannot receive the action (disabled, zero size).
	ErrNotInteractable = errors.New("element is not interactable")
	// ErrOptionNotFound means a select element has no option matching the requested value or label.
	ErrOptionNotFound = errors.New("no matching option")
	// ErrNoForm means a submit action targeted an element outside any form.
	ErrNoForm = errors.New("element is not inside a form")
	// ErrNavigation wraps navigation failures (DNS, TLS, HTTP transport).
	ErrNavigation = errors.New("navigation failed")
	// ErrUnsupported means the adapter has no way to perform the operation (e.g. screenshots without a renderer).
	ErrUnsupported = errors.New("operation not supported by this browser engine")
)

// Rect is an element's bounding box in top-level viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Empty reports whether the box has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Option is one <option> of a select element.
type Option struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

// Control is the broad interaction class of an element.
type Control int

const (
	ControlNone Control = iota
	ControlText
	ControlChoice
	ControlToggle
)

// ElementCandidate describes one discovered element. It is created fresh on every
// inspection pass and is only meaningful for the session that produced it.
type ElementCandidate struct {
	// Handle is the temporary identifier written into the element's data attribute.
	Handle string `json:"handle"`
	// Selector is an XPath expression resolving the element inside Frame.
	Selector string `json:"selector"`
	// Frame is the slash-separated iframe index path ("" for the top document).
	Frame        string   `json:"frame"`
	Tag          string   `json:"tag"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	ID           string   `json:"id"`
	Placeholder  string   `json:"placeholder"`
	AriaLabel    string   `json:"aria_label"`
	Autocomplete string   `json:"autocomplete"`
	Classes      string   `json:"classes"`
	Label        string   `json:"label"`
	Text         string   `json:"text"`
	Value        string   `json:"value"`
	Options      []Option `json:"options,omitempty"`
	Required     bool     `json:"required"`
	Disabled     bool     `json:"disabled"`
	Visible      bool     `json:"visible"`
	Checked      bool     `json:"checked"`
	Rect         Rect     `json:"rect"`
	Order        int      `json:"order"`
}

var nonFillableTypes = map[string]struct{}{
	"hidden": {}, "submit": {}, "button": {}, "reset": {}, "image": {},
	"file": {}, "password": {}, "search": {}, "range": {}, "color": {},
}

// Control classifies the element for fill purposes.
func (c ElementCandidate) Control() Control {
	switch c.Tag {
	case "select":
		return ControlChoice
	case "textarea":
		return ControlText
	case "input":
		switch c.Type {
		case "checkbox", "radio":
			return ControlToggle
		}
		if _, skip := nonFillableTypes[c.Type]; skip {
			return ControlNone
		}
		return ControlText
	}
	return ControlNone
}

// Fillable reports whether the engine may put data into this element.
func (c ElementCandidate) Fillable() bool {
	return c.Control() != ControlNone && c.Visible && !c.Disabled
}

// Target returns the reference used to act on the element.
func (c ElementCandidate) Target() Target {
	return Target{Selector: c.Selector, Frame: c.Frame}
}

// Describe renders a short human-readable descriptor for logs and coverage reports.
func (c ElementCandidate) Describe() string {
	var b strings.Builder
	b.WriteString(c.Tag)
	if c.Type != "" && c.Type != c.Tag {
		fmt.Fprintf(&b, "[type=%s]", c.Type)
	}
	if c.ID != "" {
		fmt.Fprintf(&b, "#%s", c.ID)
	}
	if c.Name != "" {
		fmt.Fprintf(&b, "[name=%s]", c.Name)
	}
	switch {
	case c.Label != "":
		fmt.Fprintf(&b, " %q", truncate(c.Label, 40))
	case c.Placeholder != "":
		fmt.Fprintf(&b, " %q", truncate(c.Placeholder, 40))
	case c.Text != "":
		fmt.Fprintf(&b, " %q", truncate(c.Text, 40))
	}
	return b.String()
}

// Form is one fillable container: a <form> element or the synthetic body-level
// group of inputs that live outside any form.
type Form struct {
	Index      int                `json:"index"`
	Selector   string             `json:"selector"`
	Frame      string             `json:"frame"`
	Action     string             `json:"action"`
	Method     string             `json:"method"`
	Synthetic  bool               `json:"synthetic"`
	Candidates []ElementCandidate `json:"candidates"`
	Buttons    []ElementCandidate `json:"buttons"`
}

// Inventory is the result of one inspection pass over the page and its same-origin frames.
type Inventory struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Forms []Form `json:"forms"`
}

// Target references an element for an action.
type Target struct {
	Selector string `json:"selector"`
	Frame    string `json:"frame"`
}

// ActionKind enumerates the primitive operations every adapter supports.
type ActionKind string

const (
	ActClick      ActionKind = "click"
	ActTap        ActionKind = "tap"
	ActFocus      ActionKind = "focus"
	ActClear      ActionKind = "clear"
	ActType       ActionKind = "type"
	ActSelect     ActionKind = "select"
	ActCheck      ActionKind = "check"
	ActScroll     ActionKind = "scroll"
	ActBlur       ActionKind = "blur"
	ActSubmit     ActionKind = "submit"
	ActPressEnter ActionKind = "press_enter"
)

// Action is a single primitive interaction against one element.
type Action struct {
	Kind   ActionKind
	Target Target
	// Text is the value for ActType and the option value for ActSelect.
	Text string
	// Label is the fallback option label for ActSelect.
	Label string
	// Checked is the desired state for ActCheck.
	Checked bool
	// KeyDelays holds the pause after each typed character. Missing entries mean no pause.
	KeyDelays []time.Duration
}

// Emulation describes the device characteristics applied to a session.
type Emulation struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	Mobile            bool
	Touch             bool
	UserAgent         string
	Platform          string
	AcceptLanguage    string
	Locale            string
	Timezone          string
}

// Session is the capability surface the engine needs from a browser. One adapter
// exists per browser-control library. A session is owned by exactly one run and
// is not safe for concurrent interactions.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	// WaitStable blocks until the network has been idle for the quiet period or ctx expires.
	WaitStable(ctx context.Context, quiet time.Duration) error
	// Inspect enumerates forms and their candidates on the current page.
	Inspect(ctx context.Context) (*Inventory, error)
	// Find returns every element matching the XPath expression in the page and its same-origin frames.
	Find(ctx context.Context, xpath string) ([]ElementCandidate, error)
	Act(ctx context.Context, action Action) error
	Emulate(ctx context.Context, em Emulation) error
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Launcher creates sessions for one browser-control library.
type Launcher interface {
	Name() string
	Launch(ctx context.Context) (Session, error)
	Shutdown(ctx context.Context) error
}

// FindVisible filters Find results down to visible elements.
func FindVisible(ctx context.Context, s Session, xpath string) ([]ElementCandidate, error) {
	all, err := s.Find(ctx, xpath)
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, el := range all {
		if el.Visible {
			visible = append(visible, el)
		}
	}
	return visible, nil
}

// Sleep pauses for d, returning early with ctx.Err() if the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTerminal reports whether err means the session can no longer be used.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, context.Canceled)
}

// truncate shortens s to n runes so multi-byte labels stay valid UTF-8.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
