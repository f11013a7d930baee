package browser

import (
	"context"
	"fmt"
)

// Driver is the native surface a script-capable adapter exposes. Everything
// else (inventory, lookups, DOM-level primitives) runs through the embedded DOM
// library, so the cdp, rod and playwright adapters share one implementation.
type Driver interface {
	// Eval evaluates a self-contained expression and returns its JSON-encoded value.
	Eval(ctx context.Context, expr string) ([]byte, error)
	// Click dispatches a native left click at viewport coordinates.
	Click(ctx context.Context, x, y float64) error
	// Tap dispatches a native touch tap at viewport coordinates.
	Tap(ctx context.Context, x, y float64) error
	// TypeRune sends one character to the focused element as keyboard input.
	TypeRune(ctx context.Context, r rune) error
	// PressEnter sends an Enter key press to the focused element.
	PressEnter(ctx context.Context) error
}

// ScriptInspect runs the inventory script through d.
func ScriptInspect(ctx context.Context, d Driver) (*Inventory, error) {
	raw, err := d.Eval(ctx, InventoryScript())
	if err != nil {
		return nil, fmt.Errorf("failed to inspect page: %w", ClassifyScriptError(err))
	}
	return DecodeInventory(raw)
}

// ScriptFind runs the XPath lookup script through d.
func ScriptFind(ctx context.Context, d Driver, xpath string) ([]ElementCandidate, error) {
	expr, err := FindScript(xpath)
	if err != nil {
		return nil, err
	}
	raw, err := d.Eval(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to find %q: %w", xpath, ClassifyScriptError(err))
	}
	return DecodeCandidates(raw)
}

func scriptVerb(ctx context.Context, d Driver, a Action, verb string) (ActResult, error) {
	expr, err := ActScript(a, verb)
	if err != nil {
		return ActResult{}, err
	}
	raw, err := d.Eval(ctx, expr)
	if err != nil {
		return ActResult{}, ClassifyScriptError(err)
	}
	res, err := DecodeActResult(raw)
	if err != nil {
		return res, err
	}
	return res, res.Err()
}

// ScriptAct performs a through d. Pointer and keyboard primitives resolve the
// element with the DOM library, then use native input so pages observe trusted events.
func ScriptAct(ctx context.Context, d Driver, a Action) error {
	switch a.Kind {
	case ActClick, ActTap:
		if _, err := scriptVerb(ctx, d, a, "scroll"); err != nil {
			return err
		}
		res, err := scriptVerb(ctx, d, a, "rect")
		if err != nil {
			return err
		}
		if res.Rect.Empty() {
			return ErrNotInteractable
		}
		x, y := res.Rect.Center()
		if a.Kind == ActTap {
			return d.Tap(ctx, x, y)
		}
		return d.Click(ctx, x, y)

	case ActType:
		if _, err := scriptVerb(ctx, d, a, "focus"); err != nil {
			return err
		}
		for i, r := range []rune(a.Text) {
			if err := d.TypeRune(ctx, r); err != nil {
				return fmt.Errorf("failed to type: %w", ClassifyScriptError(err))
			}
			if i < len(a.KeyDelays) {
				if err := Sleep(ctx, a.KeyDelays[i]); err != nil {
					return err
				}
			}
		}
		// Confirm the element survived the keystrokes.
		_, err := scriptVerb(ctx, d, a, "rect")
		return err

	case ActPressEnter:
		if _, err := scriptVerb(ctx, d, a, "focus"); err != nil {
			return err
		}
		return ClassifyScriptError(d.PressEnter(ctx))
	}

	_, err := scriptVerb(ctx, d, a, "")
	return err
}
