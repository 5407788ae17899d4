package session

import "github.com/p-blackswan/beluga-cat/internal/llm"

// DefaultMaxTurns bounds a session's memory when no limit is configured.
const DefaultMaxTurns = 40

// Turn is one role-tagged message in a session transcript.
type Turn = llm.Message

const (
	RoleUser      = llm.RoleUser
	RoleAssistant = llm.RoleAssistant
)

// Memory is an ordered, bounded turn log. Once the bound is exceeded the
// oldest turns are dropped. Memory is not safe for concurrent use; Session
// guards it.
type Memory struct {
	max   int
	turns []Turn
}

// NewMemory returns an empty memory holding at most max turns.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = DefaultMaxTurns
	}
	return &Memory{max: max}
}

// Append adds one turn and trims.
func (m *Memory) Append(t Turn) {
	m.turns = append(m.turns, t)
	m.trim()
}

// AppendAll adds turns in order and trims once.
func (m *Memory) AppendAll(ts []Turn) {
	m.turns = append(m.turns, ts...)
	m.trim()
}

func (m *Memory) trim() {
	over := len(m.turns) - m.max
	if over <= 0 {
		return
	}
	kept := make([]Turn, m.max)
	copy(kept, m.turns[over:])
	m.turns = kept
}

// Turns returns a copy of the log, oldest first.
func (m *Memory) Turns() []Turn {
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

func (m *Memory) Len() int { return len(m.turns) }
func (m *Memory) Max() int { return m.max }

// Clear drops every turn.
func (m *Memory) Clear() { m.turns = nil }
