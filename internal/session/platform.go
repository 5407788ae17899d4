package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupportedChannelKind is returned when the origin cannot host a thread.
	ErrUnsupportedChannelKind = errors.New("channel kind does not support threads")
	// ErrChannelNotFound is returned by Resolve when the channel no longer exists.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrNotManaged is returned for channels that are not managed conversations.
	ErrNotManaged = errors.New("not a managed conversation")
	// ErrMissingTopic is returned when a conversation is started without a topic.
	ErrMissingTopic = errors.New("missing topic")
)

// Channel describes a conversation channel as the platform reports it.
type Channel struct {
	ID       string
	Name     string
	OwnerID  string
	Archived bool
}

// Origin is where a start request came from.
type Origin struct {
	ChannelID string
	// ThreadID is set when the request itself was posted inside a thread.
	ThreadID string
	UserID   string
}

// Platform is the set of chat-platform operations the controller needs.
type Platform interface {
	CreateThread(ctx context.Context, origin Origin, name string, autoArchive time.Duration) (Channel, error)
	Send(ctx context.Context, channelID, text string) error
	Rename(ctx context.Context, channelID, name string) error
	SetArchived(ctx context.Context, channelID string, archived bool) error
	Delete(ctx context.Context, channelID string) error
	Resolve(ctx context.Context, channelID string) (Channel, error)
	// Mention renders a user reference for message text.
	Mention(userID string) string
}
