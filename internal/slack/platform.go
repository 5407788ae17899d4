package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/beluga-cat/internal/session"
)

const (
	// MetadataEventType tags the header message of every conversation thread.
	MetadataEventType = "beluga_cat_session"

	// ArchivedReaction marks a conversation thread as archived.
	ArchivedReaction = "lock"

	metaStartedBy   = "started_by"
	metaAutoArchive = "auto_archive_minutes"
)

// ThreadKey identifies a conversation thread as "<channel>:<thread ts>".
func ThreadKey(channelID, threadTS string) string {
	return channelID + ":" + threadTS
}

// SplitThreadKey is the inverse of ThreadKey.
func SplitThreadKey(key string) (channelID, threadTS string, err error) {
	channelID, threadTS, ok := strings.Cut(key, ":")
	if !ok || channelID == "" || threadTS == "" {
		return "", "", fmt.Errorf("invalid thread key %q", key)
	}
	return channelID, threadTS, nil
}

// ThreadPlatform backs managed conversations with Slack threads. The thread's
// parent message is its header: its text is the display name, its metadata
// names the owner, and a lock reaction from the bot marks it archived.
type ThreadPlatform struct {
	api       BotAPI
	botUserID string
	logger    zerolog.Logger
}

// NewThreadPlatform creates a platform posting as botUserID.
func NewThreadPlatform(api BotAPI, botUserID string, logger zerolog.Logger) *ThreadPlatform {
	return &ThreadPlatform{
		api:       api,
		botUserID: botUserID,
		logger:    logger.With().Str("component", "slack.platform").Logger(),
	}
}

// CreateThread posts a header message in the origin channel. Requests made
// from inside a thread cannot host a new one.
func (p *ThreadPlatform) CreateThread(ctx context.Context, origin session.Origin, name string, autoArchive time.Duration) (session.Channel, error) {
	if origin.ThreadID != "" {
		return session.Channel{}, session.ErrUnsupportedChannelKind
	}

	meta := slack.SlackMetadata{
		EventType: MetadataEventType,
		EventPayload: map[string]interface{}{
			metaStartedBy:   origin.UserID,
			metaAutoArchive: int(autoArchive / time.Minute),
		},
	}
	channelID, ts, err := p.api.PostMessageContext(ctx, origin.ChannelID,
		slack.MsgOptionText(name, false),
		slack.MsgOptionMetadata(meta),
	)
	if err != nil {
		return session.Channel{}, fmt.Errorf("post thread header: %w", err)
	}
	if channelID == "" {
		channelID = origin.ChannelID
	}

	p.logger.Debug().Str("channel", channelID).Str("ts", ts).Msg("thread header posted")
	return session.Channel{ID: ThreadKey(channelID, ts), Name: name, OwnerID: origin.UserID}, nil
}

// Send posts text as a reply in the thread.
func (p *ThreadPlatform) Send(ctx context.Context, id, text string) error {
	channelID, ts, err := SplitThreadKey(id)
	if err != nil {
		return err
	}
	if _, _, err := p.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(ts),
	); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	return nil
}

// Rename rewrites the header text.
func (p *ThreadPlatform) Rename(ctx context.Context, id, name string) error {
	channelID, ts, err := SplitThreadKey(id)
	if err != nil {
		return err
	}
	if _, _, _, err := p.api.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(name, false)); err != nil {
		return fmt.Errorf("update thread header: %w", err)
	}
	return nil
}

// SetArchived adds or removes the lock reaction on the header.
func (p *ThreadPlatform) SetArchived(ctx context.Context, id string, archived bool) error {
	channelID, ts, err := SplitThreadKey(id)
	if err != nil {
		return err
	}
	ref := slack.NewRefToMessage(channelID, ts)
	if archived {
		err = p.api.AddReactionContext(ctx, ArchivedReaction, ref)
		if isSlackError(err, "already_reacted") {
			err = nil
		}
	} else {
		err = p.api.RemoveReactionContext(ctx, ArchivedReaction, ref)
		if isSlackError(err, "no_reaction") {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("set archived=%t: %w", archived, err)
	}
	return nil
}

// Delete removes the header message.
func (p *ThreadPlatform) Delete(ctx context.Context, id string) error {
	channelID, ts, err := SplitThreadKey(id)
	if err != nil {
		return err
	}
	if _, _, err := p.api.DeleteMessageContext(ctx, channelID, ts); err != nil {
		return fmt.Errorf("delete thread header: %w", err)
	}
	return nil
}

// Resolve reads the header message. Headers not posted by the bot are
// reported as session.ErrNotManaged.
func (p *ThreadPlatform) Resolve(ctx context.Context, id string) (session.Channel, error) {
	channelID, ts, err := SplitThreadKey(id)
	if err != nil {
		return session.Channel{}, fmt.Errorf("%w: %v", session.ErrChannelNotFound, err)
	}

	resp, err := p.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID:          channelID,
		Latest:             ts,
		Inclusive:          true,
		Limit:              1,
		IncludeAllMetadata: true,
	})
	if err != nil {
		if isSlackError(err, "channel_not_found") || isSlackError(err, "not_in_channel") {
			return session.Channel{}, fmt.Errorf("%s: %w", id, session.ErrChannelNotFound)
		}
		return session.Channel{}, fmt.Errorf("read thread header: %w", err)
	}
	if resp == nil || len(resp.Messages) == 0 || resp.Messages[0].Timestamp != ts {
		return session.Channel{}, fmt.Errorf("%s: %w", id, session.ErrChannelNotFound)
	}

	header := resp.Messages[0]
	if !p.postedByBot(header) {
		return session.Channel{}, fmt.Errorf("%s: %w", id, session.ErrNotManaged)
	}

	return session.Channel{
		ID:       id,
		Name:     unescapeText(header.Text),
		OwnerID:  ownerFromMetadata(header.Metadata),
		Archived: p.hasArchivedReaction(header),
	}, nil
}

// Mention renders a Slack user mention.
func (p *ThreadPlatform) Mention(userID string) string {
	return "<@" + userID + ">"
}

func (p *ThreadPlatform) postedByBot(m slack.Message) bool {
	if p.botUserID != "" {
		return m.User == p.botUserID
	}
	return m.BotID != ""
}

func (p *ThreadPlatform) hasArchivedReaction(m slack.Message) bool {
	for _, r := range m.Reactions {
		if r.Name != ArchivedReaction {
			continue
		}
		if p.botUserID == "" {
			return true
		}
		for _, u := range r.Users {
			if u == p.botUserID {
				return true
			}
		}
	}
	return false
}

var textUnescaper = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">")

// unescapeText undoes Slack's escaping of message text.
func unescapeText(s string) string { return textUnescaper.Replace(s) }

func ownerFromMetadata(meta slack.SlackMetadata) string {
	if meta.EventType != MetadataEventType {
		return ""
	}
	owner, _ := meta.EventPayload[metaStartedBy].(string)
	return owner
}

func isSlackError(err error, code string) bool {
	if err == nil {
		return false
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err == code
	}
	return err.Error() == code
}
