package llm

import (
	"context"
	"fmt"
)

// MockProvider echoes the last user turn without any network I/O.
// It stands in for the OpenAI backend when MOCK_MODE is set.
type MockProvider struct{}

// NewMockProvider creates a MockProvider.
func NewMockProvider() *MockProvider { return &MockProvider{} }

func (MockProvider) Name() string { return ProviderOpenAI + "-mock" }

func (MockProvider) GenerateReply(_ context.Context, turns []Message, _ string, _ GenerationConfig) string {
	last := lastUserTurn(turns)
	if last == "" {
		return EmptyReply
	}
	return fmt.Sprintf("(mock) You said: %s", last)
}
