package executor

import (
	"strings"
	"time"

	"github.com/xkilldash9x/autoreg/internal/browser"
)

const isoDate = "2006-01-02"

// dateLayouts maps placeholder spellings to Go layouts. Longer spellings come first.
var dateLayouts = []struct {
	pattern string
	layout  string
}{
	{"yyyy-mm-dd", "2006-01-02"},
	{"mm/dd/yyyy", "01/02/2006"},
	{"dd/mm/yyyy", "02/01/2006"},
	{"dd.mm.yyyy", "02.01.2006"},
	{"dd-mm-yyyy", "02-01-2006"},
	{"mm-dd-yyyy", "01-02-2006"},
	{"yyyy/mm/dd", "2006/01/02"},
	{"mm/dd/yy", "01/02/06"},
	{"dd/mm/yy", "02/01/06"},
	{"mm/yyyy", "01/2006"},
}

// formatDate renders an ISO date the way the input expects it. Native date inputs
// take ISO; text inputs follow their placeholder, then their locale, then US order.
func formatDate(c browser.ElementCandidate, iso, locale string) string {
	d, err := time.Parse(isoDate, iso)
	if err != nil {
		return iso
	}
	switch c.Type {
	case "date":
		return d.Format(isoDate)
	case "month":
		return d.Format("2006-01")
	case "datetime-local":
		return d.Format("2006-01-02T15:04")
	}
	hint := strings.ToLower(strings.ReplaceAll(c.Placeholder+" "+c.AriaLabel+" "+c.Label, " ", ""))
	for _, l := range dateLayouts {
		if strings.Contains(hint, l.pattern) {
			return d.Format(l.layout)
		}
	}
	if locale != "" && !strings.HasPrefix(strings.ToLower(locale), "en-us") {
		return d.Format("02/01/2006")
	}
	return d.Format("01/02/2006")
}

// pickOption resolves a value to one of the select's options. It prefers an exact
// value match, then an exact label match, then a label containing the value.
// When nothing matches the raw value is returned for the session to reject.
func pickOption(opts []browser.Option, value string) (string, string) {
	want := strings.TrimSpace(strings.ToLower(value))
	for _, o := range opts {
		if strings.ToLower(o.Value) == want {
			return o.Value, o.Label
		}
	}
	for _, o := range opts {
		if strings.ToLower(strings.TrimSpace(o.Label)) == want {
			return o.Value, o.Label
		}
	}
	if want != "" {
		for _, o := range opts {
			label := strings.ToLower(o.Label)
			if o.Value != "" && label != "" && (strings.Contains(label, want) || strings.Contains(want, label)) {
				return o.Value, o.Label
			}
		}
	}
	return value, value
}
