package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ctrl     *Controller
	platform *mockPlatform
	provider *mockProvider
	clock    *fakeClock
	recorder *countingRecorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxTurns = 6
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		platform: newMockPlatform(),
		provider: &mockProvider{},
		clock:    newFakeClock(),
		recorder: newCountingRecorder(),
	}
	h.ctrl = NewController(cfg, h.platform, h.provider, zerolog.Nop(),
		WithClock(h.clock.Now), WithRecorder(h.recorder))
	return h
}

func (h *harness) start(t *testing.T, topic string) *Session {
	t.Helper()
	s, err := h.ctrl.StartSession(context.Background(), Origin{ChannelID: "C1", UserID: "U1"}, topic)
	require.NoError(t, err)
	return s
}

func TestStartSession(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "exam help")

	assert.Equal(t, "exam help", s.Topic())
	assert.Equal(t, "U1", s.StartedBy())

	got, ok := h.ctrl.Get(s.ChannelID())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, "beluga-cat • exam help", h.platform.channel(s.ChannelID()).Name)

	turns := s.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleAssistant, turns[0].Role)
	assert.Contains(t, turns[0].Content, "<@U1>")
	assert.Contains(t, turns[0].Content, "exam help")

	msgs := h.platform.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, turns[0].Content, msgs[0].text)
	assert.Equal(t, 1, h.recorder.started)
}

func TestStartSession_Errors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.ctrl.StartSession(context.Background(), Origin{ChannelID: "C1", ThreadID: "111.222", UserID: "U1"}, "topic")
	assert.ErrorIs(t, err, ErrUnsupportedChannelKind)

	_, err = h.ctrl.StartSession(context.Background(), Origin{ChannelID: "C1", UserID: "U1"}, "  ")
	assert.ErrorIs(t, err, ErrMissingTopic)

	assert.Equal(t, 0, h.ctrl.Registry().Len())
}

func TestStartSession_IntroSendFailureStillRegisters(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.failSend = errBoom

	s := h.start(t, "topic")
	_, ok := h.ctrl.Get(s.ChannelID())
	assert.True(t, ok)
	assert.Equal(t, 1, h.recorder.fails["intro"])
}

func TestRehydrateSession(t *testing.T) {
	h := newHarness(t, nil)

	s := h.ctrl.RehydrateSession(Channel{ID: "C1:1", Name: "beluga-cat • exam help", OwnerID: "U9"})
	require.NotNil(t, s)
	assert.Equal(t, "exam help", s.Topic())
	assert.Equal(t, "U9", s.StartedBy())
	assert.Empty(t, s.Turns())

	s = h.ctrl.RehydrateSession(Channel{ID: "C1:2", Name: "beluga-cat"})
	require.NotNil(t, s)
	assert.Equal(t, "chat", s.Topic())
	assert.Equal(t, UnknownUser, s.StartedBy())

	assert.Nil(t, h.ctrl.RehydrateSession(Channel{ID: "C1:3", Name: "general"}))
	assert.Nil(t, h.ctrl.RehydrateSession(Channel{ID: "C1:4", Name: "beluga-cat • old", Archived: true}))
	assert.Equal(t, 2, h.ctrl.Registry().Len())
}

func TestRehydrateSession_KeepsExisting(t *testing.T) {
	h := newHarness(t, nil)
	ch := Channel{ID: "C1:1", Name: "beluga-cat • exam help"}

	first := h.ctrl.RehydrateSession(ch)
	second := h.ctrl.RehydrateSession(ch)
	assert.Same(t, first, second)
}

func TestHandleTurn_Accepted(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "exam help")

	result := h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "  what is a derivative?  ")
	assert.Equal(t, TurnAccepted, result)

	require.Equal(t, 1, h.provider.callCount())
	sent := h.provider.calls[0]
	require.Len(t, sent, 2)
	assert.Equal(t, Turn{Role: RoleUser, Content: "what is a derivative?"}, sent[1])

	turns := s.Turns()
	require.Len(t, turns, 3)
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "meow"}, turns[2])
	assert.Equal(t, DefaultBotID, s.LastSpeaker())
	assert.Equal(t, h.clock.Now().Add(DefaultCooldown), s.CooldownUntil())

	msgs := h.platform.messages()
	assert.Equal(t, "meow", msgs[len(msgs)-1].text)
	assert.Equal(t, 1, h.recorder.turns[string(TurnAccepted)])
}

func TestHandleTurn_CooldownDropsSilently(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	ctx := context.Background()

	require.Equal(t, TurnAccepted, h.ctrl.HandleTurn(ctx, s.ChannelID(), "U1", "one"))
	before := s.Turns()
	sentBefore := len(h.platform.messages())

	h.clock.Advance(DefaultCooldown - time.Millisecond)
	assert.Equal(t, TurnThrottled, h.ctrl.HandleTurn(ctx, s.ChannelID(), "U1", "two"))

	assert.Equal(t, before, s.Turns())
	assert.Equal(t, 1, h.provider.callCount())
	assert.Len(t, h.platform.messages(), sentBefore)

	h.clock.Advance(time.Millisecond)
	assert.Equal(t, TurnAccepted, h.ctrl.HandleTurn(ctx, s.ChannelID(), "U1", "three"))
	assert.Equal(t, 2, h.provider.callCount())
}

func TestHandleTurn_CooldownNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")

	far := h.clock.Now().Add(time.Hour)
	s.mu.Lock()
	s.cooldownUntil = far
	s.mu.Unlock()

	h.clock.Advance(2 * time.Hour)
	require.Equal(t, TurnAccepted, h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "hi"))
	assert.True(t, s.CooldownUntil().After(far))
}

func TestHandleTurn_RehydratesUnknownThread(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.addChannel(Channel{ID: "C1:9", Name: "beluga-cat • physics", OwnerID: "U5"})

	assert.Equal(t, TurnAccepted, h.ctrl.HandleTurn(context.Background(), "C1:9", "U6", "hello"))

	s, ok := h.ctrl.Get("C1:9")
	require.True(t, ok)
	assert.Equal(t, "physics", s.Topic())
	assert.Equal(t, "U5", s.StartedBy())
	assert.Len(t, s.Turns(), 2)
}

func TestHandleTurn_Ignored(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.addChannel(Channel{ID: "C1:9", Name: "random thread"})
	ctx := context.Background()

	assert.Equal(t, TurnIgnored, h.ctrl.HandleTurn(ctx, "C1:9", "U1", "hello"))
	assert.Equal(t, TurnIgnored, h.ctrl.HandleTurn(ctx, "C1:missing", "U1", "hello"))
	assert.Equal(t, TurnIgnored, h.ctrl.HandleTurn(ctx, "C1:9", "U1", "   "))
	assert.Equal(t, 0, h.provider.callCount())
	assert.Equal(t, 0, h.ctrl.Registry().Len())
}

func TestHandleTurn_UndeliveredReplyNotRecorded(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	h.platform.failSend = errBoom

	assert.Equal(t, TurnUndelivered, h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "hi"))
	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[1].Role)
}

func TestHandleTurn_SessionEndedDuringReply(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	h.provider.gate = make(chan struct{})
	h.provider.entered = make(chan struct{}, 1)

	done := make(chan TurnResult, 1)
	go func() {
		done <- h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "hi")
	}()

	<-h.provider.entered
	h.ctrl.EndSession(context.Background(), h.platform.channel(s.ChannelID()), UserReason("<@U1>"))
	close(h.provider.gate)

	assert.Equal(t, TurnEnded, <-done)
	for _, m := range h.platform.messages() {
		assert.NotEqual(t, "meow", m.text)
	}
}

func TestHandleTurn_ConcurrentTurnsOnlyOneAccepted(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")

	const n = 8
	var wg sync.WaitGroup
	results := make(chan TurnResult, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "spam")
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	counts := map[TurnResult]int{}
	for r := range results {
		counts[r]++
	}
	assert.Equal(t, 1, counts[TurnAccepted])
	assert.Equal(t, n-1, counts[TurnThrottled])
	assert.Equal(t, 1, h.provider.callCount())
}

func TestRecordTurn_RespectsBound(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxTurns = 3 })
	s := h.start(t, "topic")

	for i := 0; i < 10; i++ {
		h.ctrl.RecordTurn(s, RoleUser, "x")
		assert.LessOrEqual(t, len(s.Turns()), 3)
	}
}

func TestResetSession(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	require.Equal(t, TurnAccepted, h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "hi"))
	require.False(t, s.CooldownUntil().IsZero())

	h.clock.Advance(time.Second)
	h.ctrl.ResetSession(context.Background(), s.ChannelID(), s)

	assert.Empty(t, s.Turns())
	assert.True(t, s.CooldownUntil().IsZero())
	assert.Empty(t, s.LastSpeaker())
	assert.Equal(t, h.clock.Now(), s.LastActiveAt())
	assert.Equal(t, "topic", s.Topic())

	msgs := h.platform.messages()
	assert.Equal(t, ResetNotice, msgs[len(msgs)-1].text)

	// a reset session accepts a turn immediately
	assert.Equal(t, TurnAccepted, h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "again"))
}

func TestResetSession_NilSessionPostsNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.ResetSession(context.Background(), "C1:1", nil)

	msgs := h.platform.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, NoSessionNotice, msgs[0].text)
}

func TestResetSessionByID(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")

	assert.True(t, h.ctrl.ResetSessionByID(context.Background(), s.ChannelID()))
	assert.Empty(t, s.Turns())

	h.platform.addChannel(Channel{ID: "C2:1", Name: "general"})
	assert.False(t, h.ctrl.ResetSessionByID(context.Background(), "C2:1"))
}

func TestEndSession_ArchivesByDefault(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "exam help")
	ch := h.platform.channel(s.ChannelID())

	out := h.ctrl.EndSession(context.Background(), ch, UserReason("<@U1>"))

	assert.True(t, out.Removed)
	assert.True(t, out.Notified)
	assert.True(t, out.Renamed)
	assert.True(t, out.Archived)
	assert.False(t, out.Deleted)
	assert.Empty(t, out.Errors)

	_, ok := h.ctrl.Get(ch.ID)
	assert.False(t, ok)
	got := h.platform.channel(ch.ID)
	assert.Equal(t, "[ARCHIVED] beluga-cat • exam help", got.Name)
	assert.True(t, got.Archived)
	assert.Equal(t, 1, h.recorder.ended["user"])
}

func TestEndSession_RemovesEvenWhenEverythingFails(t *testing.T) {
	for _, deleteOnEnd := range []bool{false, true} {
		h := newHarness(t, func(c *Config) { c.DeleteOnEnd = deleteOnEnd })
		s := h.start(t, "topic")
		ch := h.platform.channel(s.ChannelID())

		h.platform.failSend = errBoom
		h.platform.failRename = errBoom
		h.platform.failArchive = errBoom
		h.platform.failDelete = errBoom

		out := h.ctrl.EndSession(context.Background(), ch, TimeoutReason(time.Minute))

		assert.True(t, out.Removed)
		assert.False(t, out.Notified)
		assert.False(t, out.Archived)
		assert.NotEmpty(t, out.Errors)
		_, ok := h.ctrl.Get(ch.ID)
		assert.False(t, ok)
		assert.Equal(t, 0, h.ctrl.Registry().Len())
	}
}

func TestEndSession_DeleteOnEnd(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeleteOnEnd = true })
	s := h.start(t, "topic")
	ch := h.platform.channel(s.ChannelID())

	out := h.ctrl.EndSession(context.Background(), ch, OperatorReason())

	assert.True(t, out.Deleted)
	assert.False(t, out.Archived)
	assert.Equal(t, []string{ch.ID}, h.platform.deleted)
	assert.Empty(t, h.platform.renames)
}

func TestEndSession_DeleteFailureFallsBackToArchive(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DeleteOnEnd = true })
	s := h.start(t, "topic")
	ch := h.platform.channel(s.ChannelID())
	h.platform.failDelete = errBoom

	out := h.ctrl.EndSession(context.Background(), ch, OperatorReason())

	assert.False(t, out.Deleted)
	assert.True(t, out.Archived)
	assert.Len(t, out.Errors, 1)
	assert.ErrorIs(t, out.Errors[0], errBoom)
	assert.Equal(t, 1, h.recorder.fails["delete"])
}

func TestEndSession_TwiceSkipsSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	ctx := context.Background()

	first, err := h.ctrl.EndSessionByID(ctx, s.ChannelID(), UserReason("<@U1>"))
	require.NoError(t, err)
	assert.True(t, first.Removed)
	sent := len(h.platform.messages())

	second := h.ctrl.EndSession(ctx, h.platform.channel(s.ChannelID()), TimeoutReason(time.Minute))
	assert.False(t, second.Removed)
	assert.True(t, second.Skipped)
	assert.Len(t, h.platform.messages(), sent)
	assert.Len(t, h.platform.renames, 1)
	assert.Equal(t, 1, h.recorder.ended["user"])
	assert.Zero(t, h.recorder.ended["timeout"])
}

func TestEndSessionByID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.platform.addChannel(Channel{ID: "C2:1", Name: "general"})
	_, err := h.ctrl.EndSessionByID(ctx, "C2:1", OperatorReason())
	assert.ErrorIs(t, err, ErrNotManaged)

	_, err = h.ctrl.EndSessionByID(ctx, "C2:404", OperatorReason())
	assert.ErrorIs(t, err, ErrChannelNotFound)

	// managed but unregistered threads can still be ended
	h.platform.addChannel(Channel{ID: "C2:2", Name: "beluga-cat • stale"})
	out, err := h.ctrl.EndSessionByID(ctx, "C2:2", OperatorReason())
	require.NoError(t, err)
	assert.False(t, out.Removed)
	assert.True(t, out.Archived)
}

func TestEndSessionByID_UnresolvableDropsEntry(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	h.platform.failResolve = ErrChannelNotFound

	out, err := h.ctrl.EndSessionByID(context.Background(), s.ChannelID(), OperatorReason())
	require.NoError(t, err)
	assert.True(t, out.Removed)
	assert.False(t, out.Notified)
	_, ok := h.ctrl.Get(s.ChannelID())
	assert.False(t, ok)
}

func TestEndSessionByID_TransientResolveErrorKeepsEntry(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	h.platform.failResolve = errBoom

	_, err := h.ctrl.EndSessionByID(context.Background(), s.ChannelID(), OperatorReason())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrChannelNotFound)

	_, ok := h.ctrl.Get(s.ChannelID())
	assert.True(t, ok)
	assert.Equal(t, 1, h.ctrl.Registry().Len())
}

func TestShutdown_Drain(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")

	require.NoError(t, h.ctrl.Shutdown(context.Background(), false))
	assert.Equal(t, 0, h.ctrl.Registry().Len())
	assert.False(t, h.platform.channel(s.ChannelID()).Archived)

	assert.Equal(t, TurnEnded, h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "hi"))
}

func TestShutdown_EndAll(t *testing.T) {
	h := newHarness(t, nil)
	a := h.start(t, "one")
	b := h.start(t, "two")

	require.NoError(t, h.ctrl.Shutdown(context.Background(), true))
	assert.Equal(t, 0, h.ctrl.Registry().Len())
	assert.True(t, h.platform.channel(a.ChannelID()).Archived)
	assert.True(t, h.platform.channel(b.ChannelID()).Archived)
	assert.Equal(t, 2, h.recorder.ended["shutdown"])
}

func TestShutdown_WaitsForInflightTurn(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "topic")
	h.provider.gate = make(chan struct{})
	h.provider.entered = make(chan struct{}, 1)

	done := make(chan TurnResult, 1)
	go func() {
		done <- h.ctrl.HandleTurn(context.Background(), s.ChannelID(), "U1", "hi")
	}()
	<-h.provider.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.ctrl.Shutdown(ctx, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(h.provider.gate)
	assert.Equal(t, TurnEnded, <-done)
}

func TestSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, "one")
	h.start(t, "two")

	infos := h.ctrl.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "one", infos[0].Topic)
	assert.Equal(t, 1, infos[0].Turns)
}
