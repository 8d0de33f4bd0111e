// Package dialogue maintains per-session conversation history.
//
// A State holds the system prompt and the alternating user/assistant turns
// that get replayed to the inference provider on every request. The system
// prompt is slot zero and is replaced, never appended, when the persona
// changes. History is bounded: old exchanges fall off once the limit is hit
// so long-lived sessions do not grow the prompt without end.
package dialogue

import (
	"sync"

	"github.com/teslashibe/go-wren/pkg/inference"
)

// DefaultMaxTurns is the number of user/assistant exchanges retained.
const DefaultMaxTurns = 32

// State is the conversation history for one session.
// Safe for concurrent use.
type State struct {
	mu       sync.Mutex
	system   inference.Message
	turns    []inference.Message
	maxTurns int
}

// New creates conversation state seeded with a system prompt.
func New(systemPrompt string) *State {
	return NewWithLimit(systemPrompt, DefaultMaxTurns)
}

// NewWithLimit creates conversation state retaining at most maxTurns exchanges.
func NewWithLimit(systemPrompt string, maxTurns int) *State {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &State{
		system:   inference.NewSystemMessage(systemPrompt),
		maxTurns: maxTurns,
	}
}

// SetSystem replaces the system prompt. Existing turns are kept.
func (s *State) SetSystem(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = inference.NewSystemMessage(prompt)
}

// System returns the current system prompt.
func (s *State) System() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system.Content
}

// AppendUser adds a user turn.
func (s *State) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, inference.NewUserMessage(text))
	s.trimLocked()
}

// AppendAssistant adds an assistant turn.
func (s *State) AppendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, inference.NewAssistantMessage(text))
	s.trimLocked()
}

// Snapshot returns the system prompt plus all retained turns as a copy.
// The result is safe to hand to an inference request while turns keep
// arriving.
func (s *State) Snapshot() []inference.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inference.Message, 0, len(s.turns)+1)
	out = append(out, s.system)
	out = append(out, s.turns...)
	return out
}

// Len returns the number of retained turns, excluding the system prompt.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Clear drops all turns but keeps the system prompt.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// trimLocked drops the oldest turns beyond the retention limit.
// Drops in pairs so the window always starts on a user turn.
func (s *State) trimLocked() {
	limit := s.maxTurns * 2
	for len(s.turns) > limit {
		drop := 2
		if len(s.turns) < drop {
			drop = len(s.turns)
		}
		s.turns = s.turns[drop:]
	}
}
