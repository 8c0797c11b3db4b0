// Package session holds client-side conversation state: the active session
// per workflow mode and its ordered turn history.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/finrag/internal/protocol"
)

var (
	// ErrTurnInFlight is returned when a turn is started while another one
	// in the same session has not reached a terminal state.
	ErrTurnInFlight = errors.New("a turn is already in flight for this session")
	// ErrTurnFinalized is returned when mutating a terminal turn.
	ErrTurnFinalized = errors.New("turn is terminal")
)

// Turn is one message in a conversation.
type Turn struct {
	Role      protocol.Role
	Content   string
	Timestamp time.Time
	Terminal  bool
}

// Annotations is the per-turn state that accompanies the latest assistant
// turn. Each field is replaced wholesale.
type Annotations struct {
	Citations  []protocol.Citation
	Rewrites   []string
	Usage      *protocol.TokenUsage
	Processing *protocol.ProcessingMetadata
}

// Session is one conversation in one workflow mode. It is safe for
// concurrent use.
type Session struct {
	id   string
	mode protocol.Mode

	mu          sync.RWMutex
	turns       []Turn
	annotations Annotations
	loading     bool
}

func newSession(id string, mode protocol.Mode) *Session {
	return &Session{id: id, mode: mode}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Mode() protocol.Mode { return s.mode }

// Turns returns a copy of the turn history.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Turn returns the turn at idx.
func (s *Session) Turn(idx int) (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.turns) {
		return Turn{}, false
	}
	return s.turns[idx], true
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Annotations returns a copy of the latest turn's annotations.
func (s *Session) Annotations() Annotations {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.annotations
	if a.Citations != nil {
		a.Citations = append([]protocol.Citation(nil), a.Citations...)
	}
	if a.Rewrites != nil {
		a.Rewrites = append([]string(nil), a.Rewrites...)
	}
	return a
}

// Loading reports whether a turn is in flight.
func (s *Session) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// BeginTurn sets the loading flag, failing if it is already set.
func (s *Session) BeginTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading {
		return ErrTurnInFlight
	}
	s.loading = true
	return nil
}

// EndTurn clears the loading flag.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
}

// Append adds a turn and returns its index.
func (s *Session) Append(t Turn) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	s.turns = append(s.turns, t)
	return len(s.turns) - 1
}

// SetContent replaces the content of a non-terminal turn.
func (s *Session) SetContent(idx int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.turns) {
		return fmt.Errorf("turn index %d out of range", idx)
	}
	if s.turns[idx].Terminal {
		return ErrTurnFinalized
	}
	s.turns[idx].Content = content
	return nil
}

// Finalize marks a turn terminal. Finalizing twice is a no-op.
func (s *Session) Finalize(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= 0 && idx < len(s.turns) {
		s.turns[idx].Terminal = true
	}
}

// ClearAnnotations drops citations, rewrites, usage and metadata.
func (s *Session) ClearAnnotations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations = Annotations{}
}

func (s *Session) SetCitations(c []protocol.Citation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations.Citations = c
}

func (s *Session) SetRewrites(r []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations.Rewrites = r
}

func (s *Session) SetUsage(u protocol.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations.Usage = &u
}

func (s *Session) SetProcessing(p protocol.ProcessingMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations.Processing = &p
}

// restore replaces the history with persisted turns.
func (s *Session) restore(h History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = h.Turns
	s.annotations = h.Last
}
