package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/finrag/internal/protocol"
)

// HistoryLoader fetches persisted history for a session from the backend.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, sessionID string) ([]protocol.HistoryMessage, error)
}

// History is a restored conversation plus the annotations of its last
// assistant turn.
type History struct {
	Turns []Turn
	Last  Annotations
}

// Manager maps workflow modes to their active sessions.
type Manager struct {
	ids     IDStore
	history HistoryLoader
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[protocol.Mode]*Session
	loaded   map[protocol.Mode]bool
}

// NewManager creates a Manager. history may be nil for purely local sessions.
func NewManager(ids IDStore, history HistoryLoader) *Manager {
	return &Manager{
		ids:      ids,
		history:  history,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[protocol.Mode]*Session),
		loaded:   make(map[protocol.Mode]bool),
	}
}

// NewSessionID returns a fresh id of the form <mode>_<unix-ms>_<random>.
func NewSessionID(mode protocol.Mode, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%d_%s", mode, now.UnixMilli(), suffix)
}

// CreateSession allocates and persists a new session id for mode and makes
// it the active, empty session.
func (m *Manager) CreateSession(mode protocol.Mode) (string, error) {
	id := NewSessionID(mode, m.now())
	if err := m.ids.Set(mode, id); err != nil {
		return "", fmt.Errorf("persisting session id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[mode] = newSession(id, mode)
	m.loaded[mode] = true
	return id, nil
}

// LoadHistory fetches history for sessionID. Any failure, including an
// unknown session, yields an empty History.
func (m *Manager) LoadHistory(ctx context.Context, sessionID string) History {
	if m.history == nil || sessionID == "" {
		return History{}
	}
	msgs, err := m.history.LoadHistory(ctx, sessionID)
	if err != nil {
		m.logger.Debug("history unavailable", "session_id", sessionID, "error", err)
		return History{}
	}
	return historyFromMessages(msgs)
}

// ResetSession discards the active session for mode and starts a new one.
// Nothing is deleted on the backend.
func (m *Manager) ResetSession(mode protocol.Mode) (string, error) {
	if err := m.ids.Clear(mode); err != nil {
		return "", fmt.Errorf("clearing session id: %w", err)
	}
	return m.CreateSession(mode)
}

// Activate returns the active session for mode, creating one if no id is
// stored. History is loaded once per activation.
func (m *Manager) Activate(ctx context.Context, mode protocol.Mode) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[mode]; ok && m.loaded[mode] {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	id, ok := m.ids.Get(mode)
	if !ok || id == "" {
		var err error
		if id, err = m.CreateSession(mode); err != nil {
			return nil, err
		}
		s, _ := m.Session(mode)
		return s, nil
	}
	return m.adopt(ctx, mode, id), nil
}

// Use returns the session for (mode, id), adopting id as the active session
// when it differs from the current one. An empty id behaves like Activate.
func (m *Manager) Use(ctx context.Context, mode protocol.Mode, id string) (*Session, error) {
	if id == "" {
		return m.Activate(ctx, mode)
	}

	m.mu.Lock()
	if s, ok := m.sessions[mode]; ok && s.ID() == id {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	if err := m.ids.Set(mode, id); err != nil {
		return nil, fmt.Errorf("persisting session id: %w", err)
	}
	return m.adopt(ctx, mode, id), nil
}

// Deactivate forgets the in-memory session for mode; the next Activate
// reloads its history.
func (m *Manager) Deactivate(mode protocol.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, mode)
	delete(m.loaded, mode)
}

// Session returns the in-memory session for mode without loading anything.
func (m *Manager) Session(mode protocol.Mode) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[mode]
	return s, ok
}

func (m *Manager) adopt(ctx context.Context, mode protocol.Mode, id string) *Session {
	s := newSession(id, mode)
	s.restore(m.LoadHistory(ctx, id))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[mode] = s
	m.loaded[mode] = true
	return s
}

func historyFromMessages(msgs []protocol.HistoryMessage) History {
	var h History
	for _, msg := range msgs {
		h.Turns = append(h.Turns, Turn{
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
			Terminal:  true,
		})
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != protocol.RoleAssistant {
			continue
		}
		h.Last = Annotations{
			Citations:  msgs[i].Citations,
			Usage:      msgs[i].TokenUsage,
			Processing: msgs[i].ProcessingMetadata,
		}
		break
	}
	return h
}
