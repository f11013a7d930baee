// Package diagnostics writes failure artifacts: a screenshot and an HTML snapshot
// of the page as it was when an attempt failed.
package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Artifacts are the paths and inline content produced by one capture.
type Artifacts struct {
	ScreenshotPath string
	HTMLPath       string
	// HTMLInline is a prefix of the snapshot, capped at the configured size.
	HTMLInline string
}

// Writer stores artifacts under a caller-controlled directory.
type Writer struct {
	dir      string
	compress bool
	inline   int
	logger   *zap.Logger
}

// NewWriter resolves and creates the artifact directory.
func NewWriter(cfg config.DiagnosticsConfig, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "artifacts"
	}
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand diagnostics dir %q: %w", cfg.Dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create diagnostics dir %s: %w", dir, err)
	}
	return &Writer{
		dir:      dir,
		compress: cfg.CompressHTML,
		inline:   cfg.InlineHTMLBytes,
		logger:   logger.Named("diagnostics"),
	}, nil
}

// Dir returns the resolved artifact directory.
func (w *Writer) Dir() string { return w.dir }

// Capture grabs whatever the session can still produce. It is best-effort: a
// missing screenshot does not prevent the HTML snapshot and vice versa. The
// returned error joins every failure except unsupported screenshots.
func (w *Writer) Capture(ctx context.Context, s browser.Session, runID string, attempt int, reason string) (Artifacts, error) {
	var art Artifacts
	var errs []error
	base := fmt.Sprintf("%s-a%d-%s-%s", safe(runID), attempt, safe(reason), uuid.NewString()[:8])
	log := w.logger.With(zap.String("run_id", runID), zap.Int("attempt", attempt), zap.String("reason", reason))

	shot, err := s.Screenshot(ctx)
	switch {
	case errors.Is(err, browser.ErrUnsupported):
		log.Debug("Session cannot take screenshots, skipping.")
	case err != nil:
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	default:
		path := filepath.Join(w.dir, base+".png")
		if err := os.WriteFile(path, shot, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write screenshot: %w", err))
		} else {
			art.ScreenshotPath = path
		}
	}

	page, err := s.HTML(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("html: %w", err))
	} else {
		path, err := w.writeHTML(base, page)
		if err != nil {
			errs = append(errs, err)
		} else {
			art.HTMLPath = path
		}
		art.HTMLInline = truncate(page, w.inline)
	}

	if len(errs) > 0 {
		log.Warn("Diagnostics capture was incomplete.", zap.Errors("errors", errs))
	} else {
		log.Info("Diagnostics captured.", zap.String("screenshot", art.ScreenshotPath), zap.String("html", art.HTMLPath))
	}
	return art, errors.Join(errs...)
}

func (w *Writer) writeHTML(base, page string) (string, error) {
	if !w.compress {
		path := filepath.Join(w.dir, base+".html")
		if err := os.WriteFile(path, []byte(page), 0o644); err != nil {
			return "", fmt.Errorf("write html: %w", err)
		}
		return path, nil
	}

	var buf bytes.Buffer
	bw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := bw.Write([]byte(page)); err != nil {
		return "", fmt.Errorf("compress html: %w", err)
	}
	if err := bw.Close(); err != nil {
		return "", fmt.Errorf("compress html: %w", err)
	}
	path := filepath.Join(w.dir, base+".html.br")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write html: %w", err)
	}
	return path, nil
}

// truncate cuts s to at most n bytes without splitting a rune. n <= 0 disables inlining.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func safe(s string) string {
	if s == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
