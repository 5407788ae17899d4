package session

import (
	"sync"
	"time"
)

// Session is the state of one managed conversation. Identity fields are
// fixed at creation; everything else is guarded by mu.
type Session struct {
	channelID string
	topic     string
	startedBy string

	mu            sync.Mutex
	lastActiveAt  time.Time
	cooldownUntil time.Time
	lastSpeaker   string
	memory        *Memory
}

func newSession(channelID, topic, startedBy string, maxTurns int, now time.Time) *Session {
	return &Session{
		channelID:    channelID,
		topic:        topic,
		startedBy:    startedBy,
		lastActiveAt: now,
		memory:       NewMemory(maxTurns),
	}
}

func (s *Session) ChannelID() string { return s.channelID }
func (s *Session) Topic() string     { return s.topic }
func (s *Session) StartedBy() string { return s.startedBy }

func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// CooldownUntil is the zero time when no cooldown is pending.
func (s *Session) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

func (s *Session) LastSpeaker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSpeaker
}

// Turns returns a copy of the session transcript.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory.Turns()
}

func (s *Session) appendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.Append(Turn{Role: role, Content: content})
}

// admit applies the cooldown gate. When the turn is accepted the cooldown is
// pushed forward, the user turn is recorded, and the transcript to send to
// the provider is returned, all under one lock.
func (s *Session) admit(now time.Time, cooldown time.Duration, speaker, content string) ([]Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.cooldownUntil) {
		return nil, false
	}
	if next := now.Add(cooldown); next.After(s.cooldownUntil) {
		s.cooldownUntil = next
	}
	s.memory.Append(Turn{Role: RoleUser, Content: content})
	s.lastActiveAt = now
	s.lastSpeaker = speaker
	return s.memory.Turns(), true
}

// reply records an assistant turn produced by speaker.
func (s *Session) reply(now time.Time, speaker, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.Append(Turn{Role: RoleAssistant, Content: content})
	s.lastActiveAt = now
	s.lastSpeaker = speaker
}

func (s *Session) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.Clear()
	s.cooldownUntil = time.Time{}
	s.lastSpeaker = ""
	s.lastActiveAt = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActiveAt)
}

// Info is a point-in-time view of a session.
type Info struct {
	ChannelID     string    `json:"channel_id"`
	Topic         string    `json:"topic"`
	StartedBy     string    `json:"started_by"`
	LastActiveAt  time.Time `json:"last_active_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
	LastSpeaker   string    `json:"last_speaker,omitempty"`
	Turns         int       `json:"turns"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ChannelID:     s.channelID,
		Topic:         s.topic,
		StartedBy:     s.startedBy,
		LastActiveAt:  s.lastActiveAt,
		CooldownUntil: s.cooldownUntil,
		LastSpeaker:   s.lastSpeaker,
		Turns:         s.memory.Len(),
	}
}
