package purego

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoreg/internal/browser"
)

const handleAttr = "data-autoreg-id"

const (
	fieldXPath  = ".//input | .//select | .//textarea"
	buttonXPath = ".//button | .//input[@type='submit' or @type='button' or @type='image'] | .//*[@role='button']" +
		" | .//a[contains(concat(' ', normalize-space(@class), ' '), ' button ') or contains(concat(' ', normalize-space(@class), ' '), ' btn ')]"
	orphanFieldXPath = "//input[not(ancestor::form)] | //select[not(ancestor::form)] | //textarea[not(ancestor::form)]"
)

// positions numbers every element node in document order.
func positions(doc *html.Node) map[*html.Node]int {
	pos := make(map[*html.Node]int)
	i := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			pos[n] = i
			i++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return pos
}

// queryOrdered runs an XPath expression and returns unique element nodes in document order.
func queryOrdered(top *html.Node, expr string, pos map[*html.Node]int) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(top, expr)
	if err != nil {
		return nil, err
	}
	seen := make(map[*html.Node]bool, len(nodes))
	out := nodes[:0]
	for _, n := range nodes {
		if n.Type != html.ElementNode || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return pos[out[i]] < pos[out[j]] })
	return out, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func clean(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	return clean(htmlquery.InnerText(n), 200)
}

func tagOf(n *html.Node) string { return strings.ToLower(n.Data) }

func typeOf(n *html.Node) string {
	switch tag := tagOf(n); tag {
	case "input":
		if t := strings.ToLower(attr(n, "type")); t != "" {
			return t
		}
		return "text"
	case "select", "textarea":
		return tag
	default:
		return strings.ToLower(attr(n, "type"))
	}
}

func isField(n *html.Node) bool {
	switch tagOf(n) {
	case "input", "select", "textarea":
		return true
	}
	return false
}

func closest(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && tagOf(p) == tag {
			return p
		}
	}
	return nil
}

func contains(ancestor, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// hiddenByMarkup reports whether n itself is hidden by attributes alone. There is
// no style engine, so only inline styles, the hidden attribute, closed dialogs and
// the usual utility classes are honored.
func hiddenByMarkup(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if hasAttr(n, "hidden") {
		return true
	}
	switch tagOf(n) {
	case "template", "noscript", "script", "style", "head":
		return true
	case "dialog":
		if !hasAttr(n, "open") {
			return true
		}
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return true
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		switch c {
		case "hidden", "d-none", "is-hidden":
			return true
		}
	}
	return false
}

func visible(n *html.Node) bool {
	if tagOf(n) == "input" && typeOf(n) == "hidden" {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if hiddenByMarkup(p) {
			return false
		}
	}
	return true
}

func disabled(n *html.Node) bool {
	if hasAttr(n, "disabled") {
		return true
	}
	if fs := closest(n, "fieldset"); fs != nil && hasAttr(fs, "disabled") {
		return true
	}
	return false
}

// xpathLiteral quotes s for use inside an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}

func labelFor(doc, n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		if l := htmlquery.FindOne(doc, "//label[@for="+xpathLiteral(id)+"]"); l != nil {
			return textOf(l)
		}
	}
	if wrap := closest(n, "label"); wrap != nil {
		return textOf(wrap)
	}
	if by := attr(n, "aria-labelledby"); by != "" {
		var parts []string
		for _, id := range strings.Fields(by) {
			if el := htmlquery.FindOne(doc, "//*[@id="+xpathLiteral(id)+"]"); el != nil {
				parts = append(parts, textOf(el))
			}
		}
		if joined := clean(strings.Join(parts, " "), 200); joined != "" {
			return joined
		}
	}
	count := 0
	for prev := n.PrevSibling; prev != nil && count < 2; prev = prev.PrevSibling {
		if prev.Type == html.TextNode {
			if t := clean(prev.Data, 200); t != "" {
				return t
			}
			continue
		}
		if prev.Type != html.ElementNode {
			continue
		}
		count++
		if isField(prev) {
			break
		}
		if t := textOf(prev); t != "" {
			return t
		}
	}
	if n.Parent != nil {
		for _, cand := range htmlquery.Find(n.Parent, ".//label | .//legend | .//*[contains(concat(' ', normalize-space(@class), ' '), ' label ')]") {
			if !contains(cand, n) {
				return textOf(cand)
			}
		}
	}
	return ""
}

// fieldValue reads the live value: the value attribute for inputs, text content for
// textareas and the selected option for selects.
func fieldValue(n *html.Node) string {
	switch tagOf(n) {
	case "textarea":
		return htmlquery.InnerText(n)
	case "select":
		for _, opt := range htmlquery.Find(n, ".//option") {
			if hasAttr(opt, "selected") {
				return optionValue(opt)
			}
		}
		if first := htmlquery.FindOne(n, ".//option"); first != nil {
			return optionValue(first)
		}
		return ""
	}
	return attr(n, "value")
}

func optionValue(opt *html.Node) string {
	if hasAttr(opt, "value") {
		return attr(opt, "value")
	}
	return strings.TrimSpace(htmlquery.InnerText(opt))
}

func optionLabel(opt *html.Node) string {
	if l := attr(opt, "label"); l != "" {
		return clean(l, 200)
	}
	return clean(htmlquery.InnerText(opt), 200)
}

// describe tags n with a handle (once) and renders its candidate record.
func (s *Session) describe(doc, n *html.Node, order int) browser.ElementCandidate {
	h := attr(n, handleAttr)
	if h == "" {
		s.seq++
		h = fmt.Sprintf("ar%d", s.seq)
		setAttr(n, handleAttr, h)
	}
	tag := tagOf(n)
	field := isField(n)
	c := browser.ElementCandidate{
		Handle:       h,
		Selector:     fmt.Sprintf("//*[@%s='%s']", handleAttr, h),
		Tag:          tag,
		Type:         typeOf(n),
		Name:         attr(n, "name"),
		ID:           attr(n, "id"),
		Placeholder:  attr(n, "placeholder"),
		AriaLabel:    attr(n, "aria-label"),
		Autocomplete: attr(n, "autocomplete"),
		Classes:      attr(n, "class"),
		Required:     hasAttr(n, "required") || attr(n, "aria-required") == "true",
		Disabled:     disabled(n),
		Visible:      visible(n),
		Checked:      hasAttr(n, "checked"),
		Order:        order,
	}
	if field {
		c.Label = labelFor(doc, n)
		c.Value = clean(fieldValue(n), 200)
	} else {
		c.Text = textOf(n)
		if c.Text == "" {
			c.Text = clean(attr(n, "value"), 200)
		}
	}
	if tag == "select" {
		for _, opt := range htmlquery.Find(n, ".//option") {
			c.Options = append(c.Options, browser.Option{
				Value:    optionValue(opt),
				Label:    optionLabel(opt),
				Selected: hasAttr(opt, "selected"),
			})
		}
	}
	if c.Visible {
		// No layout engine: stack elements vertically in document order.
		c.Rect = browser.Rect{X: 16, Y: float64(order) * 32, Width: 240, Height: 28}
	}
	return c
}
