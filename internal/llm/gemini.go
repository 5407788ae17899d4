package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	geminiAPIBase      = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel = "gemini-1.5-flash"

	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

// GeminiProvider implements Provider using the Gemini generateContent API.
type GeminiProvider struct {
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	observer Observer
	logger   zerolog.Logger
}

// GeminiOption configures the provider.
type GeminiOption func(*GeminiProvider)

func WithGeminiModel(model string) GeminiOption {
	return func(p *GeminiProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(p *GeminiProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(p *GeminiProvider) { p.client = c }
}

func WithGeminiObserver(o Observer) GeminiOption {
	return func(p *GeminiProvider) {
		if o != nil {
			p.observer = o
		}
	}
}

// NewGeminiProvider constructs a new Gemini provider.
func NewGeminiProvider(apiKey string, logger zerolog.Logger, opts ...GeminiOption) *GeminiProvider {
	p := &GeminiProvider{
		apiKey:   apiKey,
		model:    defaultGeminiModel,
		baseURL:  geminiAPIBase,
		client:   &http.Client{Timeout: 120 * time.Second},
		observer: nopObserver{},
		logger:   logger.With().Str("component", "llm.gemini").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *GeminiProvider) Name() string    { return ProviderGemini }
func (p *GeminiProvider) ModelID() string { return p.model }

// ---- Gemini wire types ----

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content *geminiContent `json:"content"`
	} `json:"candidates"`
}

// geminiRole maps transcript roles onto Gemini's user/model vocabulary.
func geminiRole(role string) string {
	if role == RoleAssistant {
		return geminiRoleModel
	}
	return geminiRoleUser
}

// coalesceTurns maps roles and merges consecutive same-role turns into one
// content entry, newline-joined, so the request alternates user/model.
func coalesceTurns(turns []Message) []geminiContent {
	out := make([]geminiContent, 0, len(turns))
	for _, t := range turns {
		role := geminiRole(t.Role)
		if n := len(out); n > 0 && out[n-1].Role == role {
			prev := &out[n-1].Parts[0]
			prev.Text = prev.Text + "\n" + t.Content
			continue
		}
		out = append(out, geminiContent{Role: role, Parts: []geminiPart{{Text: t.Content}}})
	}
	return out
}

func (p *GeminiProvider) buildRequest(turns []Message, instruction string, gen GenerationConfig) geminiRequest {
	req := geminiRequest{
		Contents: coalesceTurns(turns),
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: gen.MaxTokens,
			Temperature:     gen.Temperature,
		},
	}
	if instruction != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: instruction}}}
	}
	return req
}

// GenerateReply calls :generateContent and joins the first candidate's text parts.
func (p *GeminiProvider) GenerateReply(ctx context.Context, turns []Message, instruction string, gen GenerationConfig) string {
	start := time.Now()
	text, err := p.generate(ctx, p.buildRequest(turns, instruction, gen))
	if err != nil {
		p.observer.ObserveProviderRequest(ProviderGemini, "error", time.Since(start))
		p.logger.Error().Err(err).Str("model", p.model).Msg("gemini request failed")
		return ApologyReply
	}
	p.observer.ObserveProviderRequest(ProviderGemini, "ok", time.Since(start))

	text = strings.TrimSpace(text)
	if text == "" {
		p.logger.Warn().Str("model", p.model).Msg("gemini returned no text")
		return EmptyReply
	}
	return text
}

func (p *GeminiProvider) generate(ctx context.Context, req geminiRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(p.model), url.QueryEscape(p.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// url.Error embeds the request URL, which carries the key.
		msg := err.Error()
		if p.apiKey != "" {
			msg = strings.ReplaceAll(msg, url.QueryEscape(p.apiKey), "REDACTED")
		}
		return "", fmt.Errorf("gemini http: %s", msg)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{Provider: ProviderGemini, StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
	}

	var gr geminiResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if len(gr.Candidates) == 0 || gr.Candidates[0].Content == nil {
		return "", nil
	}

	parts := make([]string, 0, len(gr.Candidates[0].Content.Parts))
	for _, part := range gr.Candidates[0].Content.Parts {
		if part.Text != "" {
			parts = append(parts, part.Text)
		}
	}

	p.logger.Debug().
		Str("model", p.model).
		Int("contents", len(req.Contents)).
		Int("parts", len(parts)).
		Msg("gemini generate")
	return strings.Join(parts, "\n"), nil
}
