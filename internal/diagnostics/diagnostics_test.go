package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/mocks"
)

const page = "<html><body><form><input name=serial></form></body></html>"

func TestCapture_WritesBothArtifacts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(config.DiagnosticsConfig{Dir: filepath.Join(dir, "nested"), InlineHTMLBytes: 16}, zaptest.NewLogger(t))
	require.NoError(t, err)

	s := mocks.NewMockSession("s-1")
	s.On("Screenshot", mock.Anything).Return([]byte("\x89PNG"), nil)
	s.On("HTML", mock.Anything).Return(page, nil)

	art, err := w.Capture(context.Background(), s, "run/1", 2, "validation_error")
	require.NoError(t, err)

	assert.Equal(t, w.Dir(), filepath.Dir(art.ScreenshotPath))
	assert.True(t, strings.HasPrefix(filepath.Base(art.ScreenshotPath), "run_1-a2-validation_error-"))
	shot, err := os.ReadFile(art.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), shot)

	assert.True(t, strings.HasSuffix(art.HTMLPath, ".html"))
	html, err := os.ReadFile(art.HTMLPath)
	require.NoError(t, err)
	assert.Equal(t, page, string(html))
	assert.Equal(t, page[:16], art.HTMLInline)
}

func TestCapture_CompressedSnapshot(t *testing.T) {
	w, err := NewWriter(config.DiagnosticsConfig{Dir: t.TempDir(), CompressHTML: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	s := mocks.NewMockSession("s-1")
	s.On("Screenshot", mock.Anything).Return(nil, browser.ErrUnsupported)
	s.On("HTML", mock.Anything).Return(page, nil)

	art, err := w.Capture(context.Background(), s, "r", 1, "captcha")
	require.NoError(t, err, "unsupported screenshots are not a failure")
	assert.Empty(t, art.ScreenshotPath)
	assert.Empty(t, art.HTMLInline)
	require.True(t, strings.HasSuffix(art.HTMLPath, ".html.br"))

	raw, err := os.ReadFile(art.HTMLPath)
	require.NoError(t, err)
	got, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, page, string(got))
}

func TestCapture_BestEffort(t *testing.T) {
	w, err := NewWriter(config.DiagnosticsConfig{Dir: t.TempDir(), InlineHTMLBytes: 1024}, zaptest.NewLogger(t))
	require.NoError(t, err)

	s := mocks.NewMockSession("s-1")
	s.On("Screenshot", mock.Anything).Return(nil, errors.New("renderer crashed"))
	s.On("HTML", mock.Anything).Return(page, nil)

	art, err := w.Capture(context.Background(), s, "r", 1, "interaction_error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renderer crashed")
	assert.NotEmpty(t, art.HTMLPath)
	assert.Equal(t, page, art.HTMLInline)

	closed := mocks.NewMockSession("s-2")
	closed.On("Screenshot", mock.Anything).Return(nil, browser.ErrSessionClosed)
	closed.On("HTML", mock.Anything).Return("", browser.ErrSessionClosed)
	art, err = w.Capture(context.Background(), closed, "r", 1, "unexpected_error")
	assert.ErrorIs(t, err, browser.ErrSessionClosed)
	assert.Equal(t, Artifacts{}, art)
}

func TestNewWriter(t *testing.T) {
	_, err := NewWriter(config.DiagnosticsConfig{Dir: t.TempDir()}, nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewWriter(config.DiagnosticsConfig{Dir: file}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", truncate("abc", 0))
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	// "é" is two bytes; the cut never splits it.
	assert.Equal(t, "a", truncate("aé", 2))
}
