// internal/browser/scripts.go
package browser

import (
	_ "embed"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

//go:embed scripts/autoreg.js
var domLibrary string

// jsAction maps primitive kinds onto the DOM library's act() verbs. Kinds missing
// here (type, tap, press_enter) are dispatched natively by the adapter.
var jsAction = map[ActionKind]string{
	ActClick:  "click",
	ActFocus:  "focus",
	ActClear:  "clear",
	ActSelect: "select",
	ActCheck:  "check",
	ActScroll: "scroll",
	ActBlur:   "blur",
	ActSubmit: "submit",
}

// ScriptCall renders a self-contained expression that installs the DOM library if
// needed and returns the result of window.__autoreg.<fn>(args...).
func ScriptCall(fn string, args ...interface{}) (string, error) {
	encoded := make([]string, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument: %w", err)
		}
		encoded = append(encoded, string(b))
	}
	return fmt.Sprintf("(function(){%s\nreturn window.__autoreg.%s(%s);})()",
		domLibrary, fn, strings.Join(encoded, ",")), nil
}

// InventoryScript returns the expression producing an Inventory.
func InventoryScript() string {
	s, _ := ScriptCall("inventory")
	return s
}

// FindScript returns the expression producing the elements matching xpath.
func FindScript(xpath string) (string, error) {
	return ScriptCall("find", xpath)
}

// ActScript returns the DOM-level expression for a. verb overrides the mapped verb
// ("rect" is used before native pointer input).
func ActScript(a Action, verb string) (string, error) {
	if verb == "" {
		v, ok := jsAction[a.Kind]
		if !ok {
			return "", fmt.Errorf("action %q has no DOM-level implementation", a.Kind)
		}
		verb = v
	}
	return ScriptCall("act", a.Target.Frame, a.Target.Selector, verb, a.Text, a.Label, a.Checked)
}

// ActResult is the decoded reply of a DOM-level action.
type ActResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Rect  Rect   `json:"rect"`
}

// Err converts a failed reply into the shared sentinel errors.
func (r ActResult) Err() error {
	if r.OK {
		return nil
	}
	switch r.Error {
	case "stale":
		return ErrStaleElement
	case "not_interactable":
		return ErrNotInteractable
	case "no_option":
		return ErrOptionNotFound
	case "no_form":
		return ErrNoForm
	}
	return fmt.Errorf("dom action failed: %s", r.Error)
}

// DecodeInventory parses the inventory script's JSON reply.
func DecodeInventory(raw []byte) (*Inventory, error) {
	var inv Inventory
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode inventory: %w", err)
	}
	return &inv, nil
}

// DecodeCandidates parses the find script's JSON reply.
func DecodeCandidates(raw []byte) ([]ElementCandidate, error) {
	var out []ElementCandidate
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode elements: %w", err)
	}
	return out, nil
}

// DecodeActResult parses the act script's JSON reply.
func DecodeActResult(raw []byte) (ActResult, error) {
	var res ActResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("failed to decode action result: %w", err)
	}
	return res, nil
}

// ClassifyScriptError maps engine-specific script failures onto the shared sentinels.
// Node lookups failing mid-call and destroyed execution contexts both mean the
// element we targeted no longer exists.
func ClassifyScriptError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Could not find node"),
		strings.Contains(msg, "No node with given id"),
		strings.Contains(msg, "Execution context was destroyed"),
		strings.Contains(msg, "Cannot find context with specified id"),
		strings.Contains(msg, "Node is detached"):
		return fmt.Errorf("%w: %v", ErrStaleElement, err)
	case strings.Contains(msg, "Target closed"),
		strings.Contains(msg, "target closed"),
		strings.Contains(msg, "Session closed"),
		strings.Contains(msg, "context canceled"),
		strings.Contains(msg, "has been closed"):
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}
