package slack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/p-blackswan/beluga-cat/internal/dedupe"
	"github.com/p-blackswan/beluga-cat/internal/requestid"
	"github.com/p-blackswan/beluga-cat/internal/session"
)

const (
	UsageText = "Start a conversation with `@beluga-cat chat <topic>`. " +
		"Inside the thread just talk to me; `@beluga-cat reset` clears my memory and `@beluga-cat end` wraps up."
	UnsupportedText = "I can only start a conversation from a top-level message, not from inside a thread."
	StartFailedText = "Sorry, I couldn't start a conversation right now. Please try again."
	NotManagedText  = "There's no active beluga-cat conversation in this thread."
	EndFailedText   = "Sorry, I couldn't wrap up this conversation right now. Please try again."
)

// Conversations is the session controller as seen by the dispatcher.
type Conversations interface {
	StartSession(ctx context.Context, origin session.Origin, topic string) (*session.Session, error)
	HandleTurn(ctx context.Context, channelID, userID, text string) session.TurnResult
	EndSessionByID(ctx context.Context, channelID string, reason session.EndReason) (session.EndOutcome, error)
	ResetSessionByID(ctx context.Context, channelID string) bool
}

// HandlerConfig holds dispatcher settings.
type HandlerConfig struct {
	BotUserID string

	// MaxConcurrent limits in-flight event handlers.
	MaxConcurrent int

	// DedupeTTL is how long an event key is remembered.
	DedupeTTL time.Duration

	// UnmanagedTTL is how long a thread that is not a conversation is
	// skipped without asking Slack again.
	UnmanagedTTL time.Duration
}

// DefaultHandlerConfig returns sane defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxConcurrent: 8,
		DedupeTTL:     10 * time.Minute,
		UnmanagedTTL:  10 * time.Minute,
	}
}

// Handler classifies Slack events and hands them to the session controller.
// Every event is acknowledged immediately and handled on its own goroutine.
type Handler struct {
	cfg       HandlerConfig
	api       BotAPI
	convo     Conversations
	socket    *socketmode.Client
	seen      *dedupe.Cache
	unmanaged *dedupe.Cache
	sem       chan struct{}
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

// NewHandler creates a new event handler.
func NewHandler(cfg HandlerConfig, api BotAPI, convo Conversations, logger zerolog.Logger) *Handler {
	def := DefaultHandlerConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = def.DedupeTTL
	}
	if cfg.UnmanagedTTL <= 0 {
		cfg.UnmanagedTTL = def.UnmanagedTTL
	}
	return &Handler{
		cfg:       cfg,
		api:       api,
		convo:     convo,
		seen:      dedupe.New(cfg.DedupeTTL, 4096),
		unmanaged: dedupe.New(cfg.UnmanagedTTL, 4096),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		logger:    logger.With().Str("component", "slack.handler").Logger(),
	}
}

// SetSocket sets the Socket Mode client for acknowledging events.
func (h *Handler) SetSocket(s *socketmode.Client) {
	h.socket = s
}

// Wait blocks until in-flight handlers finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent routes Socket Mode events to the appropriate handler.
func (h *Handler) HandleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		h.handleEventsAPI(ctx, evt)
	case socketmode.EventTypeConnected:
		h.logger.Info().Msg("socket mode connected")
	case socketmode.EventTypeConnectionError:
		h.logger.Warn().Msg("socket mode connection error")
	default:
		h.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled event type")
	}
}

func (h *Handler) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	// Slack requires an ack within 3 seconds
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		h.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
		return
	}
	if eventsAPIEvent.Type == slackevents.CallbackEvent {
		h.HandleCallback(ctx, eventsAPIEvent.InnerEvent)
	}
}

// HandleCallback dispatches one Events API inner event.
func (h *Handler) HandleCallback(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" || ev.User == "" || ev.User == h.cfg.BotUserID {
			return
		}
		if h.seen.CheckAndMark("mention:" + ev.Channel + ":" + ev.TimeStamp) {
			h.logger.Debug().Str("ts", ev.TimeStamp).Msg("duplicate app_mention dropped")
			return
		}
		h.spawn(ctx, func(ctx context.Context) {
			h.onMention(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)
		})

	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.User == "" || ev.SubType != "" || ev.User == h.cfg.BotUserID {
			return
		}
		// app_mention covers messages that mention the bot
		if h.cfg.BotUserID != "" && strings.Contains(ev.Text, "<@"+h.cfg.BotUserID+">") {
			return
		}
		if h.seen.CheckAndMark("message:" + ev.Channel + ":" + ev.TimeStamp) {
			h.logger.Debug().Str("ts", ev.TimeStamp).Msg("duplicate message dropped")
			return
		}
		h.spawn(ctx, func(ctx context.Context) {
			h.onMessage(ctx, ev.Channel, ev.ChannelType, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)
		})

	default:
		h.logger.Debug().Str("inner_type", inner.Type).Msg("unhandled callback event type")
	}
}

// spawn runs fn on its own goroutine once a worker slot is free. It never
// blocks the caller, which is the Socket Mode read loop. The work context
// outlives the connection so a turn in flight at shutdown can still post its
// reply; Wait bounds how long that may take.
func (h *Handler) spawn(ctx context.Context, fn func(ctx context.Context)) {
	h.wg.Add(1)
	work, _ := requestid.New(context.WithoutCancel(ctx))
	go func() {
		defer h.wg.Done()
		h.sem <- struct{}{}
		defer func() { <-h.sem }()
		fn(work)
	}()
}

func (h *Handler) onMention(ctx context.Context, channelID, userID, text, threadTS, ts string) {
	cmd, rest := parseCommand(text, h.cfg.BotUserID)
	inThread := threadTS != "" && threadTS != ts

	requestid.Logger(ctx, h.logger).Info().
		Str("user", userID).
		Str("channel", channelID).
		Str("command", cmd).
		Bool("in_thread", inThread).
		Msg("app mention received")

	if !inThread {
		h.topLevelCommand(ctx, channelID, userID, cmd, rest, ts)
		return
	}

	key := ThreadKey(channelID, threadTS)
	switch cmd {
	case "end", "stop":
		_, err := h.convo.EndSessionByID(ctx, key, session.UserReason("<@"+userID+">"))
		switch {
		case err == nil:
		case errors.Is(err, session.ErrNotManaged), errors.Is(err, session.ErrChannelNotFound):
			h.logger.Debug().Err(err).Str("thread", key).Msg("end request for non-conversation thread")
			h.notify(ctx, channelID, threadTS, NotManagedText)
		default:
			requestid.Logger(ctx, h.logger).Warn().Err(err).Str("thread", key).Msg("failed to end session")
			h.notify(ctx, channelID, threadTS, EndFailedText)
		}
	case "reset":
		h.convo.ResetSessionByID(ctx, key)
	case "chat", "start":
		h.start(ctx, session.Origin{ChannelID: channelID, ThreadID: threadTS, UserID: userID}, rest, threadTS)
	case "help", "":
		h.notify(ctx, channelID, threadTS, UsageText)
	default:
		h.turn(ctx, key, userID, strings.TrimSpace(stripMention(text, h.cfg.BotUserID)))
	}
}

func (h *Handler) onMessage(ctx context.Context, channelID, channelType, userID, text, threadTS, ts string) {
	if threadTS == "" || threadTS == ts {
		// DMs take commands without a mention
		if channelType == "im" {
			cmd, rest := parseCommand(text, h.cfg.BotUserID)
			h.topLevelCommand(ctx, channelID, userID, cmd, rest, ts)
		}
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	key := ThreadKey(channelID, threadTS)
	if h.unmanaged.Seen(key) {
		return
	}
	h.turn(ctx, key, userID, text)
}

func (h *Handler) topLevelCommand(ctx context.Context, channelID, userID, cmd, rest, ts string) {
	switch cmd {
	case "chat", "start":
		h.start(ctx, session.Origin{ChannelID: channelID, UserID: userID}, rest, ts)
	default:
		h.notify(ctx, channelID, ts, UsageText)
	}
}

func (h *Handler) start(ctx context.Context, origin session.Origin, topic, replyTS string) {
	_, err := h.convo.StartSession(ctx, origin, topic)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrMissingTopic):
		h.notify(ctx, origin.ChannelID, replyTS, UsageText)
	case errors.Is(err, session.ErrUnsupportedChannelKind):
		h.notify(ctx, origin.ChannelID, replyTS, UnsupportedText)
	default:
		requestid.Logger(ctx, h.logger).Error().Err(err).Str("channel", origin.ChannelID).Msg("failed to start session")
		h.notify(ctx, origin.ChannelID, replyTS, StartFailedText)
	}
}

func (h *Handler) turn(ctx context.Context, key, userID, text string) {
	if text == "" {
		return
	}
	switch result := h.convo.HandleTurn(ctx, key, userID, text); result {
	case session.TurnIgnored:
		h.unmanaged.Mark(key)
	default:
		h.logger.Debug().Str("thread", key).Str("result", string(result)).Msg("turn handled")
	}
}

func (h *Handler) notify(ctx context.Context, channelID, threadTS, text string) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := h.api.PostMessageContext(ctx, channelID, opts...); err != nil {
		h.logger.Warn().Err(err).Str("channel", channelID).Msg("failed to post notice")
	}
}

// parseCommand strips the bot mention and splits off the first word,
// lower-cased, as the command.
func parseCommand(text, botUserID string) (cmd, rest string) {
	text = strings.TrimSpace(stripMention(text, botUserID))
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		return strings.ToLower(text[:i]), strings.TrimSpace(text[i:])
	}
	return strings.ToLower(text), ""
}

func stripMention(text, botUserID string) string {
	if botUserID == "" {
		return text
	}
	return strings.ReplaceAll(text, "<@"+botUserID+">", "")
}
