package locator

import (
	"regexp"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/classifier"
)

// ButtonRole says what clicking a form's action button is expected to do.
type ButtonRole string

const (
	RoleSubmit ButtonRole = "submit"
	RoleNext   ButtonRole = "next"
)

var (
	nextPattern   = regexp.MustCompile(`\b(next|continue|proceed|next step|weiter|suivant|siguiente)\b`)
	submitPattern = regexp.MustCompile(`\b(register|registration|submit|send|finish|complete|confirm|done|save|sign ?up|activate|enregistrer|registrieren|absenden)\b`)
	avoidPattern  = regexp.MustCompile(`\b(cancel|back|previous|prev|reset|clear|close|search|login|log in|sign in)\b`)
)

func buttonText(b browser.ElementCandidate) string {
	for _, s := range []string{b.Text, b.AriaLabel, b.Value, b.Name, b.ID} {
		if n := classifier.Normalize(s); n != "" {
			return n
		}
	}
	return ""
}

func submitsNatively(b browser.ElementCandidate) bool {
	switch b.Tag {
	case "button":
		return b.Type == "" || b.Type == "submit"
	case "input":
		return b.Type == "submit" || b.Type == "image"
	}
	return false
}

// ClassifyButton derives the role from the button's visible label. Unlabelled
// buttons are assumed to submit.
func ClassifyButton(b browser.ElementCandidate) ButtonRole {
	text := buttonText(b)
	if nextPattern.MatchString(text) && !submitPattern.MatchString(text) {
		return RoleNext
	}
	return RoleSubmit
}

// PrimaryButton picks the form's action button. Explicit submit wording beats
// step wording, which beats any native submit control, which beats the first
// usable button. Cancel, back and search controls are never chosen.
func PrimaryButton(buttons []browser.ElementCandidate) (browser.ElementCandidate, ButtonRole, bool) {
	const (
		rankSubmitWord = iota
		rankNextWord
		rankNative
		rankOther
		rankNone
	)
	best, bestRank := -1, rankNone
	for i, b := range buttons {
		if !b.Visible || b.Disabled {
			continue
		}
		text := buttonText(b)
		if avoidPattern.MatchString(text) {
			continue
		}
		rank := rankOther
		switch {
		case submitPattern.MatchString(text):
			rank = rankSubmitWord
		case nextPattern.MatchString(text):
			rank = rankNextWord
		case submitsNatively(b):
			rank = rankNative
		}
		if rank < bestRank {
			best, bestRank = i, rank
		}
	}
	if best < 0 {
		return browser.ElementCandidate{}, "", false
	}
	return buttons[best], ClassifyButton(buttons[best]), true
}
