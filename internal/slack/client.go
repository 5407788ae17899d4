package slack

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// BotAPI is the subset of the Slack Web API the bot uses.
type BotAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channelID, timestamp string) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// SafeSlackClient wraps the Slack API client with a channel allowlist for
// every write. An empty allowlist allows all channels.
type SafeSlackClient struct {
	inner           BotAPI
	allowedChannels map[string]bool
	logger          zerolog.Logger
}

// NewSafeSlackClient creates a restricted Slack client.
func NewSafeSlackClient(client BotAPI, allowedChannels []string, logger zerolog.Logger) *SafeSlackClient {
	allowed := make(map[string]bool, len(allowedChannels))
	for _, ch := range allowedChannels {
		if ch != "" {
			allowed[ch] = true
		}
	}
	return &SafeSlackClient{
		inner:           client,
		allowedChannels: allowed,
		logger:          logger.With().Str("component", "slack.safe_client").Logger(),
	}
}

// Allowed reports whether the bot may write to channelID.
func (s *SafeSlackClient) Allowed(channelID string) bool {
	return len(s.allowedChannels) == 0 || s.allowedChannels[channelID]
}

func (s *SafeSlackClient) check(op, channelID string) error {
	if s.Allowed(channelID) {
		return nil
	}
	s.logger.Warn().
		Str("channel_id", channelID).
		Str("op", op).
		Msg("blocked write to non-allowlisted channel")
	return fmt.Errorf("channel %s is not in the allowed channels list", channelID)
}

func (s *SafeSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if err := s.check("post", channelID); err != nil {
		return "", "", err
	}
	return s.inner.PostMessageContext(ctx, channelID, options...)
}

func (s *SafeSlackClient) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	if err := s.check("update", channelID); err != nil {
		return "", "", "", err
	}
	return s.inner.UpdateMessageContext(ctx, channelID, timestamp, options...)
}

func (s *SafeSlackClient) DeleteMessageContext(ctx context.Context, channelID, timestamp string) (string, string, error) {
	if err := s.check("delete", channelID); err != nil {
		return "", "", err
	}
	return s.inner.DeleteMessageContext(ctx, channelID, timestamp)
}

func (s *SafeSlackClient) AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	if err := s.check("react", item.Channel); err != nil {
		return err
	}
	return s.inner.AddReactionContext(ctx, name, item)
}

func (s *SafeSlackClient) RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error {
	if err := s.check("unreact", item.Channel); err != nil {
		return err
	}
	return s.inner.RemoveReactionContext(ctx, name, item)
}

// GetConversationHistoryContext is read-only and not restricted.
func (s *SafeSlackClient) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	return s.inner.GetConversationHistoryContext(ctx, params)
}

// AuthTestContext tests the bot token.
func (s *SafeSlackClient) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	return s.inner.AuthTestContext(ctx)
}
