package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

func TestSession_TracksInflightRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSession(ctx, cancel, config.NewDefaultConfig().Browser(), zaptest.NewLogger(t))

	s.onEvent(&network.EventRequestWillBeSent{RequestID: "a"})
	s.onEvent(&network.EventRequestWillBeSent{RequestID: "b"})
	assert.Equal(t, 2, s.idle.Inflight())
	s.onEvent(&network.EventLoadingFinished{RequestID: "a"})
	s.onEvent(&network.EventLoadingFailed{RequestID: "b"})
	assert.Zero(t, s.idle.Inflight())
}

func TestSession_ClosedIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(ctx, cancel, config.NewDefaultConfig().Browser(), zaptest.NewLogger(t))
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err := s.Inspect(context.Background())
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	err = s.Act(context.Background(), browser.Action{Kind: browser.ActClick, Target: browser.Target{Selector: "//a"}})
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	assert.ErrorIs(t, s.Navigate(context.Background(), "about:blank"), browser.ErrSessionClosed)
}

func findChrome() string {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

func TestLauncher_FillsAndSubmitsInChrome(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	chrome := findChrome()
	if chrome == "" {
		t.Skip("no Chrome binary on PATH")
	}

	submitted := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			submitted <- r.PostForm.Get("serial")
			fmt.Fprint(w, "<html><body><h1>Thank you for registering</h1></body></html>")
			return
		}
		fmt.Fprint(w, `<html><body><form method="post" action="/">
			<label for="s">Serial number</label><input id="s" name="serial">
			<button type="submit">Register</button></form></body></html>`)
	}))
	defer srv.Close()

	cfg := config.NewDefaultConfig().Browser()
	cfg.ExecPath = chrome
	l := NewLauncher(cfg, zaptest.NewLogger(t))
	defer func() { _ = l.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	sess, err := l.Launch(ctx)
	require.NoError(t, err)
	defer func() { _ = sess.Close(context.Background()) }()

	require.NoError(t, sess.Emulate(ctx, browser.Emulation{Width: 1280, Height: 800, DeviceScaleFactor: 1, UserAgent: "autoreg-test"}))
	require.NoError(t, sess.Navigate(ctx, srv.URL))
	require.NoError(t, sess.WaitStable(ctx, 200*time.Millisecond))

	inv, err := sess.Inspect(ctx)
	require.NoError(t, err)
	require.Len(t, inv.Forms, 1)
	require.Len(t, inv.Forms[0].Candidates, 1)
	field := inv.Forms[0].Candidates[0]
	assert.Equal(t, "Serial number", field.Label)

	require.NoError(t, sess.Act(ctx, browser.Action{Kind: browser.ActType, Target: field.Target(), Text: "SN-42"}))
	require.NoError(t, sess.Act(ctx, browser.Action{Kind: browser.ActClick, Target: inv.Forms[0].Buttons[0].Target()}))

	select {
	case got := <-submitted:
		assert.Equal(t, "SN-42", got)
	case <-ctx.Done():
		t.Fatal("form was never submitted")
	}
}
