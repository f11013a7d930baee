package locator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/mocks"
)

func input(handle, typ, name, id string) browser.ElementCandidate {
	return browser.ElementCandidate{
		Handle:   handle,
		Selector: "//*[@data-autoreg-id='" + handle + "']",
		Tag:      "input",
		Type:     typ,
		Name:     name,
		ID:       id,
		Visible:  true,
	}
}

func button(handle, text, typ string) browser.ElementCandidate {
	return browser.ElementCandidate{Handle: handle, Tag: "button", Type: typ, Text: text, Visible: true}
}

func registrationForm(index int) browser.Form {
	return browser.Form{
		Index:    index,
		Selector: "//form[1]",
		Candidates: []browser.ElementCandidate{
			input("a1", "text", "first_name", "first_name"),
			input("a2", "email", "email", "email"),
			input("a3", "tel", "phone", "phone"),
		},
		Buttons: []browser.ElementCandidate{button("a4", "Register product", "submit")},
	}
}

func TestScore(t *testing.T) {
	score, cands := Score(registrationForm(0), nil)
	// firstName 2 + email 2 + phone 1 + two distinct core kinds.
	assert.Equal(t, 7, score)
	assert.Len(t, cands, 3)
}

func TestScore_IgnoresHiddenAndDisabled(t *testing.T) {
	hidden := input("h1", "text", "last_name", "")
	hidden.Visible = false
	disabled := input("h2", "text", "serial_number", "")
	disabled.Disabled = true
	token := input("h3", "hidden", "csrf", "")

	score, cands := Score(browser.Form{Candidates: []browser.ElementCandidate{hidden, disabled, token}}, nil)
	assert.Zero(t, score)
	assert.Empty(t, cands)
}

func TestScore_HintsCount(t *testing.T) {
	odd := input("x1", "text", "f_01", "")
	form := browser.Form{Candidates: []browser.ElementCandidate{odd}}

	score, _ := Score(form, nil)
	assert.Zero(t, score)

	hints := []schemas.MappingEntry{{Field: schemas.FieldSerialNumber, Hints: schemas.SelectorHints{Name: "f_01"}}}
	score, _ = Score(form, hints)
	assert.Equal(t, 3, score)
}

func TestRank_HighestScoreWins(t *testing.T) {
	newsletter := browser.Form{
		Index:      0,
		Candidates: []browser.ElementCandidate{input("n1", "email", "newsletter_email", "")},
	}
	inv := &browser.Inventory{URL: "https://example.test/register", Forms: []browser.Form{newsletter, registrationForm(1)}}

	best, ok := Rank(inv, nil)
	require.True(t, ok)
	assert.Equal(t, 1, best.Form.Index)
	assert.Equal(t, "https://example.test/register", best.URL)
	assert.True(t, best.HasAction)
	assert.Equal(t, RoleSubmit, best.Role)
	assert.NotEmpty(t, best.Fingerprint)
}

func TestRank_TieBreaksOnDOMOrder(t *testing.T) {
	inv := &browser.Inventory{Forms: []browser.Form{registrationForm(0), registrationForm(1)}}
	best, ok := Rank(inv, nil)
	require.True(t, ok)
	assert.Equal(t, 0, best.Form.Index)
}

func TestRank_NoScoringForm(t *testing.T) {
	search := browser.Form{Candidates: []browser.ElementCandidate{input("s1", "search", "q", "")}}
	_, ok := Rank(&browser.Inventory{Forms: []browser.Form{search}}, nil)
	assert.False(t, ok)
	_, ok = Rank(nil, nil)
	assert.False(t, ok)
}

func TestPrimaryButton(t *testing.T) {
	tests := []struct {
		name    string
		buttons []browser.ElementCandidate
		want    string
		role    ButtonRole
		found   bool
	}{
		{"submit wording beats next", []browser.ElementCandidate{button("b1", "Next", ""), button("b2", "Register", "")}, "b2", RoleSubmit, true},
		{"next step", []browser.ElementCandidate{button("b1", "Back", "button"), button("b2", "Continue", "")}, "b2", RoleNext, true},
		{"native submit over plain button", []browser.ElementCandidate{button("b1", "Help", "button"), button("b2", "Go", "submit")}, "b2", RoleSubmit, true},
		{"cancel only", []browser.ElementCandidate{button("b1", "Cancel", "")}, "", "", false},
		{"none", nil, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, role, ok := PrimaryButton(tt.buttons)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, b.Handle)
			assert.Equal(t, tt.role, role)
		})
	}
}

func TestClassifyButton_UsesValueForInputs(t *testing.T) {
	b := browser.ElementCandidate{Tag: "input", Type: "submit", Value: "Next step", Visible: true}
	assert.Equal(t, RoleNext, ClassifyButton(b))
}

func TestFingerprint(t *testing.T) {
	a := registrationForm(0).Candidates
	b := make([]browser.ElementCandidate, len(a))
	copy(b, a)
	for i := range b {
		b[i].Handle = "z" + b[i].Handle
	}
	// Handles change between inspections; order is irrelevant.
	b[0], b[2] = b[2], b[0]
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(a[:2]))
	assert.Empty(t, Fingerprint(nil))
}

func newLocator(t *testing.T, timeout time.Duration) *Locator {
	return New(Options{Timeout: timeout, Poll: 10 * time.Millisecond, IdleTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
}

func TestLocate_PollsUntilFormAppears(t *testing.T) {
	sess := mocks.NewMockSession("s")
	sess.On("WaitStable", mock.Anything, mock.Anything).Return(context.DeadlineExceeded).Once()
	sess.On("CurrentURL", mock.Anything).Return("https://example.test/", nil)
	sess.On("Inspect", mock.Anything).Return(&browser.Inventory{}, nil).Once()
	sess.On("Inspect", mock.Anything).Return(nil, browser.ErrStaleElement).Once()
	sess.On("Inspect", mock.Anything).Return(&browser.Inventory{Forms: []browser.Form{registrationForm(0)}}, nil).Once()

	loc, err := newLocator(t, time.Second).Locate(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 7, loc.Score)
	sess.AssertExpectations(t)
}

func TestLocate_TimeoutIsFormNotFound(t *testing.T) {
	sess := mocks.NewMockSession("s")
	sess.On("WaitStable", mock.Anything, mock.Anything).Return(nil)
	sess.On("CurrentURL", mock.Anything).Return("https://example.test/", nil)
	sess.On("Inspect", mock.Anything).Return(&browser.Inventory{}, nil)

	_, err := newLocator(t, 60*time.Millisecond).Locate(context.Background(), sess)
	var nf *FormNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, nf.Timeout)
	assert.Equal(t, "https://example.test/", nf.URL)
	assert.Contains(t, nf.Error(), "within")
}

func TestLocate_InspectFailureIsNotTimeout(t *testing.T) {
	boom := errors.New("renderer crashed")
	sess := mocks.NewMockSession("s")
	sess.On("WaitStable", mock.Anything, mock.Anything).Return(nil)
	sess.On("CurrentURL", mock.Anything).Return("https://example.test/", nil)
	sess.On("Inspect", mock.Anything).Return(nil, boom)

	_, err := newLocator(t, time.Second).Locate(context.Background(), sess)
	var nf *FormNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.False(t, nf.Timeout)
	assert.ErrorIs(t, err, boom)
}

func TestLocate_SessionClosedIsTerminal(t *testing.T) {
	sess := mocks.NewMockSession("s")
	sess.On("WaitStable", mock.Anything, mock.Anything).Return(browser.ErrSessionClosed)

	_, err := newLocator(t, time.Second).Locate(context.Background(), sess)
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	var nf *FormNotFoundError
	assert.False(t, errors.As(err, &nf))
}

func TestLocate_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := mocks.NewMockSession("s")
	sess.On("WaitStable", mock.Anything, mock.Anything).Return(nil)
	sess.On("CurrentURL", mock.Anything).Return("https://example.test/", nil)
	sess.On("Inspect", mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(&browser.Inventory{}, nil)

	_, err := newLocator(t, time.Second).Locate(ctx, sess)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocator_Fingerprint(t *testing.T) {
	sess := mocks.NewMockSession("s")
	sess.On("Inspect", mock.Anything).Return(&browser.Inventory{Forms: []browser.Form{registrationForm(0)}}, nil).Once()
	sess.On("Inspect", mock.Anything).Return(&browser.Inventory{}, nil).Once()

	l := newLocator(t, time.Second)
	fp, err := l.Fingerprint(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(registrationForm(0).Candidates), fp)

	fp, err = l.Fingerprint(context.Background(), sess)
	require.NoError(t, err)
	assert.Empty(t, fp)
}
