// Package session manages beluga-cat conversations: creation, rehydration
// after restart, turn handling with a per-session cooldown, and ending.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/beluga-cat/internal/llm"
)

const (
	DefaultPrefix      = "beluga-cat"
	DefaultCooldown    = 3 * time.Second
	DefaultAutoArchive = 60 * time.Minute
	DefaultBotID       = "beluga-cat"

	DefaultIntro = "Hi {user}! I'm beluga-cat 🐱 Let's talk about *{topic}*. " +
		"Just reply in this thread. Say `@beluga-cat end` to wrap up or `@beluga-cat reset` to start over."

	ResetNotice     = "Memory wiped. Let's start fresh! 🧹"
	NoSessionNotice = "There's no active beluga-cat conversation here to reset."
)

// Config holds controller configuration.
type Config struct {
	// Prefix starts every managed thread name.
	Prefix string

	MaxTurns int

	// Cooldown is the minimum gap between accepted turns in one session.
	Cooldown time.Duration

	// AutoArchive is passed to the platform when a thread is created.
	AutoArchive time.Duration

	// DeleteOnEnd deletes the backing thread instead of archiving it.
	// Archiving is used as a fallback when the delete fails.
	DeleteOnEnd bool

	// Instruction is the system instruction sent with every provider call.
	Instruction string

	// Intro is the first message of a conversation. {user} and {topic}
	// are substituted.
	Intro string

	Generation llm.GenerationConfig

	// BotID identifies the bot as a speaker.
	BotID string
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:      DefaultPrefix,
		MaxTurns:    DefaultMaxTurns,
		Cooldown:    DefaultCooldown,
		AutoArchive: DefaultAutoArchive,
		Intro:       DefaultIntro,
		Generation:  llm.GenerationConfig{MaxTokens: 512, Temperature: 0.7},
		BotID:       DefaultBotID,
	}
}

// Recorder receives lifecycle events, typically for metrics.
type Recorder interface {
	SessionStarted()
	SessionEnded(reason string)
	TurnProcessed(result string)
	SideEffectFailed(step string)
	SetActiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted() {}
func (nopRecorder) SessionEnded(string) {}
func (nopRecorder) TurnProcessed(string) {}
func (nopRecorder) SideEffectFailed(string) {}
func (nopRecorder) SetActiveSessions(int) {}

// TurnResult says what HandleTurn did with a message.
type TurnResult string

const (
	// TurnAccepted means the reply was generated and posted.
	TurnAccepted TurnResult = "accepted"
	// TurnThrottled means the session was cooling down and the message was dropped.
	TurnThrottled TurnResult = "throttled"
	// TurnIgnored means the channel is not a managed conversation.
	TurnIgnored TurnResult = "ignored"
	// TurnEnded means the session ended while the reply was being generated,
	// or the controller is shutting down.
	TurnEnded TurnResult = "ended"
	// TurnUndelivered means the reply could not be posted.
	TurnUndelivered TurnResult = "undelivered"
)

// EndReason is why a session ended. Kind is a short label; Message is what
// the channel is told.
type EndReason struct {
	Kind    string
	Message string
}

func TimeoutReason(ttl time.Duration) EndReason {
	return EndReason{
		Kind:    "timeout",
		Message: fmt.Sprintf("💤 Ending this conversation after %s without activity. Start a new one any time!", ttl),
	}
}

// UserReason is used when a participant stops the conversation. who is
// rendered as-is.
func UserReason(who string) EndReason {
	return EndReason{Kind: "user", Message: fmt.Sprintf("👋 Conversation ended by %s.", who)}
}

func OperatorReason() EndReason {
	return EndReason{Kind: "operator", Message: "👋 Conversation ended by an operator."}
}

func ShutdownReason() EndReason {
	return EndReason{Kind: "shutdown", Message: "🔌 beluga-cat is going offline, so this conversation has ended."}
}

// EndOutcome records what EndSession did. Failures are collected here and
// logged; they are never returned to the caller.
type EndOutcome struct {
	ChannelID string
	Reason    string
	// Removed is false when the session had already been removed.
	Removed bool
	// Skipped is set when the channel was already archived and no channel
	// side effects were attempted.
	Skipped  bool
	Notified bool
	Deleted  bool
	Renamed  bool
	Archived bool
	Errors   []error
}

func (o *EndOutcome) fail(step string, err error) {
	o.Errors = append(o.Errors, fmt.Errorf("%s: %w", step, err))
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

// Controller owns the session registry and drives every session lifecycle
// transition.
type Controller struct {
	cfg      Config
	registry *Registry
	platform Platform
	provider llm.Provider
	recorder Recorder
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// NewController creates a Controller with an empty registry.
func NewController(cfg Config, platform Platform, provider llm.Provider, logger zerolog.Logger, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.AutoArchive <= 0 {
		cfg.AutoArchive = def.AutoArchive
	}
	if cfg.Intro == "" {
		cfg.Intro = def.Intro
	}
	if cfg.BotID == "" {
		cfg.BotID = def.BotID
	}

	c := &Controller{
		cfg:      cfg,
		registry: NewRegistry(),
		platform: platform,
		provider: provider,
		recorder: nopRecorder{},
		now:      time.Now,
		logger:   logger.With().Str("component", "session").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Registry exposes the controller's session store.
func (c *Controller) Registry() *Registry { return c.registry }

func (c *Controller) Config() Config { return c.cfg }

// Get returns the registered session for channelID without rehydrating.
func (c *Controller) Get(channelID string) (*Session, bool) {
	return c.registry.Get(channelID)
}

// Sessions returns a view of every registered session.
func (c *Controller) Sessions() []Info {
	snap := c.registry.Snapshot()
	out := make([]Info, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Info())
	}
	return out
}

// StartSession creates a thread for topic under origin, registers a session
// for it and posts the introduction.
func (c *Controller) StartSession(ctx context.Context, origin Origin, topic string) (*Session, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrMissingTopic
	}

	name := BuildThreadName(c.cfg.Prefix, topic)
	ch, err := c.platform.CreateThread(ctx, origin, name, c.cfg.AutoArchive)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	startedBy := origin.UserID
	if startedBy == "" {
		startedBy = UnknownUser
	}
	s := newSession(ch.ID, ParseTopic(name), startedBy, c.cfg.MaxTurns, c.now())
	c.registry.Put(ch.ID, s)
	c.recorder.SessionStarted()
	c.recorder.SetActiveSessions(c.registry.Len())

	intro := c.renderIntro(startedBy, s.Topic())
	if err := c.platform.Send(ctx, ch.ID, intro); err != nil {
		c.recorder.SideEffectFailed("intro")
		c.logger.Warn().Err(err).Str("channel", ch.ID).Msg("failed to post intro")
	}
	s.reply(c.now(), c.cfg.BotID, intro)

	c.logger.Info().
		Str("channel", ch.ID).
		Str("topic", s.Topic()).
		Str("user", startedBy).
		Msg("session started")
	return s, nil
}

func (c *Controller) renderIntro(userID, topic string) string {
	user := userID
	if userID != UnknownUser {
		user = c.platform.Mention(userID)
	}
	return strings.NewReplacer("{user}", user, "{topic}", topic).Replace(c.cfg.Intro)
}

// RehydrateSession registers a fresh session for a managed channel that is
// missing from the registry. It returns nil when the channel is not managed
// or is archived. Prior memory is not recovered.
func (c *Controller) RehydrateSession(ch Channel) *Session {
	if ch.Archived || !IsManagedName(c.cfg.Prefix, ch.Name) {
		return nil
	}

	owner := ch.OwnerID
	if owner == "" {
		owner = UnknownUser
	}
	s, added := c.registry.PutIfAbsent(ch.ID, newSession(ch.ID, ParseTopic(ch.Name), owner, c.cfg.MaxTurns, c.now()))
	if added {
		c.recorder.SetActiveSessions(c.registry.Len())
		c.logger.Info().
			Str("channel", ch.ID).
			Str("topic", s.Topic()).
			Str("owner", owner).
			Msg("session rehydrated")
	}
	return s
}

// Lookup returns the session for channelID, rehydrating it from the
// platform when it is not registered.
func (c *Controller) Lookup(ctx context.Context, channelID string) (*Session, error) {
	if s, ok := c.registry.Get(channelID); ok {
		return s, nil
	}
	ch, err := c.platform.Resolve(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", channelID, err)
	}
	s := c.RehydrateSession(ch)
	if s == nil {
		return nil, ErrNotManaged
	}
	return s, nil
}

// RecordTurn appends a turn to the session memory.
func (c *Controller) RecordTurn(s *Session, role, content string) {
	s.appendTurn(role, content)
}

// HandleTurn processes a message posted in channelID by userID. The cooldown
// is applied and the user turn recorded before the provider is called; the
// provider call itself holds no lock.
func (c *Controller) HandleTurn(ctx context.Context, channelID, userID, text string) TurnResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnIgnored
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return TurnEnded
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	result := c.handleTurn(ctx, channelID, userID, text)
	c.recorder.TurnProcessed(string(result))
	return result
}

func (c *Controller) handleTurn(ctx context.Context, channelID, userID, text string) TurnResult {
	s, err := c.Lookup(ctx, channelID)
	if err != nil {
		c.logger.Debug().Err(err).Str("channel", channelID).Msg("turn ignored")
		return TurnIgnored
	}

	turns, ok := s.admit(c.now(), c.cfg.Cooldown, userID, text)
	if !ok {
		c.logger.Debug().Str("channel", channelID).Str("user", userID).Msg("turn dropped during cooldown")
		return TurnThrottled
	}

	reply := c.provider.GenerateReply(ctx, turns, c.cfg.Instruction, c.cfg.Generation)

	if cur, ok := c.registry.Get(channelID); !ok || cur != s {
		c.logger.Info().Str("channel", channelID).Msg("session ended before reply, discarding")
		return TurnEnded
	}

	if err := c.platform.Send(ctx, channelID, reply); err != nil {
		c.recorder.SideEffectFailed("reply")
		c.logger.Error().Err(err).Str("channel", channelID).Msg("failed to post reply")
		return TurnUndelivered
	}
	s.reply(c.now(), c.cfg.BotID, reply)
	return TurnAccepted
}

// EndSession removes the session for ch and then, best effort, notifies the
// channel and deletes or archives it. Channel side effects are skipped for
// channels that are already archived.
func (c *Controller) EndSession(ctx context.Context, ch Channel, reason EndReason) EndOutcome {
	out := EndOutcome{ChannelID: ch.ID, Reason: reason.Kind}
	out.Removed = c.registry.Remove(ch.ID)
	if out.Removed {
		c.recorder.SessionEnded(reason.Kind)
		c.recorder.SetActiveSessions(c.registry.Len())
	}

	if ch.Archived {
		out.Skipped = true
		c.logOutcome(out)
		return out
	}

	if err := c.platform.Send(ctx, ch.ID, reason.Message); err != nil {
		out.fail("notify", err)
		c.recorder.SideEffectFailed("notify")
	} else {
		out.Notified = true
	}

	if c.cfg.DeleteOnEnd {
		if err := c.platform.Delete(ctx, ch.ID); err != nil {
			out.fail("delete", err)
			c.recorder.SideEffectFailed("delete")
		} else {
			out.Deleted = true
			c.logOutcome(out)
			return out
		}
	}

	c.archive(ctx, ch, &out)
	c.logOutcome(out)
	return out
}

func (c *Controller) archive(ctx context.Context, ch Channel, out *EndOutcome) {
	if name := PrefixThreadName(ch.Name, ArchivedMarker); name != ch.Name {
		if err := c.platform.Rename(ctx, ch.ID, name); err != nil {
			out.fail("rename", err)
			c.recorder.SideEffectFailed("rename")
		} else {
			out.Renamed = true
		}
	}
	if err := c.platform.SetArchived(ctx, ch.ID, true); err != nil {
		out.fail("archive", err)
		c.recorder.SideEffectFailed("archive")
	} else {
		out.Archived = true
	}
}

func (c *Controller) logOutcome(out EndOutcome) {
	evt := c.logger.Info()
	if len(out.Errors) > 0 {
		evt = c.logger.Warn().Errs("side_effect_errors", out.Errors)
	}
	evt.
		Str("channel", out.ChannelID).
		Str("reason", out.Reason).
		Bool("removed", out.Removed).
		Bool("skipped", out.Skipped).
		Bool("notified", out.Notified).
		Bool("deleted", out.Deleted).
		Bool("archived", out.Archived).
		Msg("session ended")
}

// EndSessionByID resolves channelID and ends its session. When the channel
// no longer exists the registry entry is dropped without side effects. Any
// other resolve failure leaves the session registered.
func (c *Controller) EndSessionByID(ctx context.Context, channelID string, reason EndReason) (EndOutcome, error) {
	ch, err := c.platform.Resolve(ctx, channelID)
	if err != nil {
		if !errors.Is(err, ErrChannelNotFound) || !c.forget(channelID, reason) {
			return EndOutcome{}, fmt.Errorf("resolve %s: %w", channelID, err)
		}
		out := EndOutcome{ChannelID: channelID, Reason: reason.Kind, Removed: true}
		out.fail("resolve", err)
		c.logOutcome(out)
		return out, nil
	}

	if _, ok := c.registry.Get(channelID); !ok && (ch.Archived || !IsManagedName(c.cfg.Prefix, ch.Name)) {
		return EndOutcome{}, ErrNotManaged
	}
	return c.EndSession(ctx, ch, reason), nil
}

// forget drops a registry entry whose channel is gone.
func (c *Controller) forget(channelID string, reason EndReason) bool {
	if !c.registry.Remove(channelID) {
		return false
	}
	c.recorder.SessionEnded(reason.Kind)
	c.recorder.SetActiveSessions(c.registry.Len())
	return true
}

// ResetSession clears the session memory and cooldown and confirms in the
// channel. A nil session only gets a notice.
func (c *Controller) ResetSession(ctx context.Context, channelID string, s *Session) {
	msg := ResetNotice
	if s == nil {
		msg = NoSessionNotice
	} else {
		s.reset(c.now())
		c.logger.Info().Str("channel", channelID).Msg("session reset")
	}
	if err := c.platform.Send(ctx, channelID, msg); err != nil {
		c.recorder.SideEffectFailed("reset_notice")
		c.logger.Warn().Err(err).Str("channel", channelID).Msg("failed to post reset notice")
	}
}

// ResetSessionByID looks up (or rehydrates) the session and resets it. It
// reports whether a session was found.
func (c *Controller) ResetSessionByID(ctx context.Context, channelID string) bool {
	s, err := c.Lookup(ctx, channelID)
	if err != nil && !errors.Is(err, ErrNotManaged) {
		c.logger.Debug().Err(err).Str("channel", channelID).Msg("reset lookup failed")
	}
	c.ResetSession(ctx, channelID, s)
	return s != nil
}

// Shutdown stops accepting turns and waits for in-flight turns to finish or
// ctx to expire. With endAll every registered session is ended; otherwise
// the registry is cleared and the threads are left to be rehydrated.
func (c *Controller) Shutdown(ctx context.Context, endAll bool) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for in-flight turns: %w", ctx.Err())
	}

	if endAll {
		for _, s := range c.registry.Snapshot() {
			if _, endErr := c.EndSessionByID(ctx, s.ChannelID(), ShutdownReason()); endErr != nil {
				c.logger.Warn().Err(endErr).Str("channel", s.ChannelID()).Msg("failed to end session on shutdown")
			}
		}
	}

	n := c.registry.Clear()
	c.recorder.SetActiveSessions(0)
	c.logger.Info().Bool("end_all", endAll).Int("cleared", n).Msg("session controller stopped")
	return err
}
