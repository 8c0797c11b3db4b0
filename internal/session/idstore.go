package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kalambet/finrag/internal/protocol"
)

// IDStore persists the active session id per workflow mode so a client can
// resume a conversation after restart.
type IDStore interface {
	Get(mode protocol.Mode) (id string, ok bool)
	Set(mode protocol.Mode, id string) error
	Clear(mode protocol.Mode) error
}

// MemoryIDStore keeps ids for the lifetime of the process.
type MemoryIDStore struct {
	mu  sync.Mutex
	ids map[protocol.Mode]string
}

func NewMemoryIDStore() *MemoryIDStore {
	return &MemoryIDStore{ids: make(map[protocol.Mode]string)}
}

func (m *MemoryIDStore) Get(mode protocol.Mode) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[mode]
	return id, ok
}

func (m *MemoryIDStore) Set(mode protocol.Mode, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[mode] = id
	return nil
}

func (m *MemoryIDStore) Clear(mode protocol.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, mode)
	return nil
}

// FileIDStore keeps ids in a small JSON object on disk, keyed by mode.
type FileIDStore struct {
	mu   sync.Mutex
	path string
	ids  map[protocol.Mode]string
}

// NewFileIDStore loads ids from path. A missing or unreadable file starts
// empty.
func NewFileIDStore(path string) *FileIDStore {
	s := &FileIDStore{path: path, ids: make(map[protocol.Mode]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read session file, starting fresh", "path", path, "error", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.ids); err != nil {
		slog.Warn("could not parse session file, starting fresh", "path", path, "error", err)
		s.ids = make(map[protocol.Mode]string)
	}
	return s
}

func (s *FileIDStore) Get(mode protocol.Mode) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[mode]
	return id, ok
}

func (s *FileIDStore) Set(mode protocol.Mode, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[mode] = id
	return s.save()
}

func (s *FileIDStore) Clear(mode protocol.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, mode)
	return s.save()
}

// save writes through a temp file renamed into place.
func (s *FileIDStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	data, err := json.MarshalIndent(s.ids, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
