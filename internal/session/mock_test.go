package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/p-blackswan/beluga-cat/internal/llm"
)

var errBoom = errors.New("boom")

// mockPlatform implements Platform in memory. Each operation can be made
// to fail.
type mockPlatform struct {
	mu       sync.Mutex
	channels map[string]Channel
	sent     []sentMessage
	renames  []string
	deleted  []string
	archived []string
	nextID   int

	failCreate  error
	failSend    error
	failRename  error
	failArchive error
	failDelete  error
	failResolve error
}

type sentMessage struct {
	channelID, text string
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{channels: make(map[string]Channel)}
}

func (m *mockPlatform) addChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
}

func (m *mockPlatform) channel(id string) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

func (m *mockPlatform) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *mockPlatform) CreateThread(_ context.Context, origin Origin, name string, _ time.Duration) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return Channel{}, m.failCreate
	}
	if origin.ThreadID != "" {
		return Channel{}, ErrUnsupportedChannelKind
	}
	m.nextID++
	ch := Channel{ID: fmt.Sprintf("%s:%d", origin.ChannelID, m.nextID), Name: name, OwnerID: origin.UserID}
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *mockPlatform) Send(_ context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend != nil {
		return m.failSend
	}
	m.sent = append(m.sent, sentMessage{channelID, text})
	return nil
}

func (m *mockPlatform) Rename(_ context.Context, channelID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRename != nil {
		return m.failRename
	}
	ch := m.channels[channelID]
	ch.Name = name
	m.channels[channelID] = ch
	m.renames = append(m.renames, name)
	return nil
}

func (m *mockPlatform) SetArchived(_ context.Context, channelID string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failArchive != nil {
		return m.failArchive
	}
	ch := m.channels[channelID]
	ch.Archived = archived
	m.channels[channelID] = ch
	m.archived = append(m.archived, channelID)
	return nil
}

func (m *mockPlatform) Delete(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	delete(m.channels, channelID)
	m.deleted = append(m.deleted, channelID)
	return nil
}

func (m *mockPlatform) Resolve(_ context.Context, channelID string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failResolve != nil {
		return Channel{}, m.failResolve
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	return ch, nil
}

func (m *mockPlatform) Mention(userID string) string { return "<@" + userID + ">" }

// mockProvider records calls and returns a fixed reply. When gate is set
// each call blocks until it is closed.
type mockProvider struct {
	mu      sync.Mutex
	calls   [][]llm.Message
	reply   string
	gate    chan struct{}
	entered chan struct{}
}

func (p *mockProvider) GenerateReply(_ context.Context, turns []llm.Message, _ string, _ llm.GenerationConfig) string {
	p.mu.Lock()
	p.calls = append(p.calls, turns)
	p.mu.Unlock()
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.reply == "" {
		return "meow"
	}
	return p.reply
}

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingRecorder implements Recorder.
type countingRecorder struct {
	mu      sync.Mutex
	started int
	ended   map[string]int
	turns   map[string]int
	fails   map[string]int
	active  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{ended: map[string]int{}, turns: map[string]int{}, fails: map[string]int{}}
}

func (r *countingRecorder) SessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) SessionEnded(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[reason]++
}

func (r *countingRecorder) TurnProcessed(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[result]++
}

func (r *countingRecorder) SideEffectFailed(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails[step]++
}

func (r *countingRecorder) SetActiveSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}
