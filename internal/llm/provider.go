package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrUnknownProvider is returned for an unrecognised provider name.
var ErrUnknownProvider = errors.New("unknown llm provider")

// ErrMissingCredential is returned when the selected backend has no API key.
var ErrMissingCredential = errors.New("missing llm credential")

// Options selects and configures a backend. It is resolved once at startup.
type Options struct {
	Provider string
	Mock     bool

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	GeminiKey     string
	GeminiModel   string
	GeminiBaseURL string
}

// New builds the provider named by opts.Provider. Mock mode applies to the
// OpenAI backend only; for Gemini it is ignored with a warning.
func New(opts Options, observer Observer, logger zerolog.Logger) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case ProviderOpenAI, "":
		if opts.Mock {
			logger.Info().Msg("mock mode enabled, replies are echoed locally")
			return NewMockProvider(), nil
		}
		if opts.OpenAIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY", ErrMissingCredential)
		}
		return NewOpenAIProvider(opts.OpenAIKey, logger,
			WithOpenAIModel(opts.OpenAIModel),
			WithOpenAIBaseURL(opts.OpenAIBaseURL),
			WithOpenAIObserver(observer),
		), nil

	case ProviderGemini:
		if opts.Mock {
			logger.Warn().Msg("mock mode is only available for the openai provider, ignoring")
		}
		if opts.GeminiKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingCredential)
		}
		return NewGeminiProvider(opts.GeminiKey, logger,
			WithGeminiModel(opts.GeminiModel),
			WithGeminiBaseURL(opts.GeminiBaseURL),
			WithGeminiObserver(observer),
		), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}
}
