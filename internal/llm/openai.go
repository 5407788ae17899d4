package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	openAIAPIBase      = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIProvider implements Provider using the OpenAI chat completions API.
type OpenAIProvider struct {
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	observer Observer
	logger   zerolog.Logger
}

// OpenAIOption configures the provider.
type OpenAIOption func(*OpenAIProvider)

func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

func WithOpenAIObserver(o Observer) OpenAIOption {
	return func(p *OpenAIProvider) {
		if o != nil {
			p.observer = o
		}
	}
}

// NewOpenAIProvider constructs a new OpenAI provider.
func NewOpenAIProvider(apiKey string, logger zerolog.Logger, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:   apiKey,
		model:    defaultOpenAIModel,
		baseURL:  openAIAPIBase,
		client:   &http.Client{Timeout: 120 * time.Second},
		observer: nopObserver{},
		logger:   logger.With().Str("component", "llm.openai").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string    { return ProviderOpenAI }
func (p *OpenAIProvider) ModelID() string { return p.model }

// ---- OpenAI wire types ----

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// buildRequest prepends the instruction as a system message and keeps the
// transcript verbatim, roles included.
func (p *OpenAIProvider) buildRequest(turns []Message, instruction string, gen GenerationConfig) openAIRequest {
	msgs := make([]Message, 0, len(turns)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: instruction})
	msgs = append(msgs, turns...)
	return openAIRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
	}
}

// GenerateReply calls /chat/completions and extracts the first choice.
func (p *OpenAIProvider) GenerateReply(ctx context.Context, turns []Message, instruction string, gen GenerationConfig) string {
	start := time.Now()
	text, err := p.complete(ctx, p.buildRequest(turns, instruction, gen))
	if err != nil {
		p.observer.ObserveProviderRequest(ProviderOpenAI, "error", time.Since(start))
		p.logger.Error().Err(err).Str("model", p.model).Msg("openai request failed")
		return ApologyReply
	}
	p.observer.ObserveProviderRequest(ProviderOpenAI, "ok", time.Since(start))

	text = strings.TrimSpace(text)
	if text == "" {
		p.logger.Warn().Str("model", p.model).Msg("openai returned no content")
		return EmptyReply
	}
	return text
}

func (p *OpenAIProvider) complete(ctx context.Context, req openAIRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{Provider: ProviderOpenAI, StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
	}

	var or openAIResponse
	if err := json.Unmarshal(raw, &or); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if len(or.Choices) == 0 || or.Choices[0].Message == nil {
		return "", nil
	}

	p.logger.Debug().
		Str("model", req.Model).
		Int("turns", len(req.Messages)-1).
		Msg("openai complete")
	return or.Choices[0].Message.Content, nil
}
