// Package llm defines the reply provider interface and its backends.
// A provider turns a bounded transcript plus a system instruction into a
// single assistant utterance. Backends never return errors to callers:
// failures are logged and mapped to fixed fallback replies.
package llm

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// Role constants for Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Fallback replies returned instead of errors.
const (
	ApologyReply = "Sorry, I couldn't come up with a reply right now. Please try again in a moment."
	EmptyReply   = "Hmm, I don't have anything to say to that."
)

// Provider names accepted by LLM_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig carries per-request generation parameters.
type GenerationConfig struct {
	MaxTokens   int
	Temperature float64
}

// Provider generates one assistant reply for a transcript.
type Provider interface {
	// GenerateReply returns the assistant's next utterance. It never fails;
	// backend errors come back as ApologyReply and empty output as EmptyReply.
	GenerateReply(ctx context.Context, turns []Message, instruction string, gen GenerationConfig) string

	// Name identifies the backend for logs and metrics.
	Name() string
}

// Observer receives one observation per backend request.
type Observer interface {
	ObserveProviderRequest(provider, status string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveProviderRequest(string, string, time.Duration) {}

// APIError describes a non-success response from a text-generation service.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// lastUserTurn returns the content of the most recent user turn, or "".
func lastUserTurn(turns []Message) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Content
		}
	}
	return ""
}

// truncate keeps at most max runes of s, never splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	cut := 0
	for n := 0; n < max; n++ {
		_, size := utf8.DecodeRuneInString(s[cut:])
		cut += size
	}
	return s[:cut] + "…"
}
