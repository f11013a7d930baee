// Package gemini implements the mapper's field advisor on top of the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/llmutil"
	"github.com/xkilldash9x/autoreg/internal/mapper"
)

const systemPrompt = `You classify HTML form inputs on product warranty registration pages.
For each input decide which of the allowed semantic fields it collects, or omit it when unsure.
Answer with a JSON array of {"handle": string, "field": string, "confidence": number between 0 and 1}.
Only use handles and fields from the request.`

// Generator is the slice of the genai client the advisor needs.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Advisor asks a Gemini model to classify inputs the rule table left unknown.
type Advisor struct {
	gen     Generator
	model   string
	timeout time.Duration
	max     int
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ mapper.Advisor = (*Advisor)(nil)

// NewAdvisor builds an advisor backed by the Gemini API.
func NewAdvisor(ctx context.Context, cfg config.AdvisorConfig, logger *zap.Logger) (*Advisor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required for the hybrid detection strategy")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return NewAdvisorWithGenerator(client.Models, cfg, logger), nil
}

// NewAdvisorWithGenerator wires an advisor to an arbitrary generator.
func NewAdvisorWithGenerator(gen Generator, cfg config.AdvisorConfig, logger *zap.Logger) *Advisor {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	max := cfg.MaxCandidates
	if max <= 0 {
		max = 40
	}
	return &Advisor{
		gen:     gen,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		max:     max,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("advisor.gemini"),
	}
}

type promptField struct {
	Handle       string   `json:"handle"`
	Tag          string   `json:"tag"`
	Type         string   `json:"type,omitempty"`
	Name         string   `json:"name,omitempty"`
	ID           string   `json:"id,omitempty"`
	Placeholder  string   `json:"placeholder,omitempty"`
	AriaLabel    string   `json:"aria_label,omitempty"`
	Autocomplete string   `json:"autocomplete,omitempty"`
	Label        string   `json:"label,omitempty"`
	Options      []string `json:"options,omitempty"`
}

type promptBody struct {
	Allowed []schemas.FieldKind `json:"allowed_fields"`
	Inputs  []promptField       `json:"inputs"`
}

func buildPrompt(cands []browser.ElementCandidate, allowed []schemas.FieldKind) (string, error) {
	body := promptBody{Allowed: allowed}
	for _, c := range cands {
		f := promptField{
			Handle: c.Handle, Tag: c.Tag, Type: c.Type, Name: c.Name, ID: c.ID,
			Placeholder: c.Placeholder, AriaLabel: c.AriaLabel, Autocomplete: c.Autocomplete, Label: c.Label,
		}
		for i, o := range c.Options {
			if i == 8 {
				break
			}
			f.Options = append(f.Options, o.Label)
		}
		body.Inputs = append(body.Inputs, f)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode advisor prompt: %w", err)
	}
	return string(b), nil
}

// Suggest classifies up to the configured number of candidates in one request.
func (a *Advisor) Suggest(ctx context.Context, cands []browser.ElementCandidate, allowed []schemas.FieldKind) ([]mapper.Suggestion, error) {
	if len(cands) == 0 || len(allowed) == 0 {
		return nil, nil
	}
	if len(cands) > a.max {
		cands = cands[:a.max]
	}
	prompt, err := buildPrompt(cands, allowed)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("advisor rate limiter: %w", err)
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
	}

	var text string
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	operation := func() error {
		callCtx := ctx
		if a.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}
		started := time.Now()
		resp, err := a.gen.GenerateContent(callCtx, a.model, genai.Text(prompt), cfg)
		if err != nil {
			if ctx.Err() != nil || !transient(err) {
				return backoff.Permanent(err)
			}
			a.logger.Warn("Transient advisor error, retrying.", zap.Error(err))
			return err
		}
		text = resp.Text()
		if strings.TrimSpace(text) == "" {
			return backoff.Permanent(errors.New("gemini returned an empty response"))
		}
		a.logger.Debug("Advisor response received.", zap.Duration("duration", time.Since(started)), zap.Int("inputs", len(cands)))
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("gemini field advisor: %w", err)
	}

	parsed, err := llmutil.ParseJSONResponse[[]mapper.Suggestion](text)
	if err != nil {
		return nil, err
	}
	return *parsed, nil
}

// transient reports whether the API error is worth retrying.
func transient(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}
	var apiPtr *genai.APIError
	if errors.As(err, &apiPtr) {
		return retryableStatus(apiPtr.Code)
	}
	// Transport-level failures carry no status.
	return true
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
