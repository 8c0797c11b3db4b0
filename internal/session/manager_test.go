package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/finrag/internal/protocol"
)

type countingLoader struct {
	mu    sync.Mutex
	calls map[string]int
	data  map[string][]protocol.HistoryMessage
	err   error
}

func (l *countingLoader) LoadHistory(_ context.Context, id string) ([]protocol.HistoryMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[id]++
	if l.err != nil {
		return nil, l.err
	}
	return l.data[id], nil
}

func (l *countingLoader) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

var ctx = context.Background()

func TestNewSessionID_FormatAndUniqueness(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	pattern := regexp.MustCompile(`^fast-rag_1700000000123_[0-9a-f]{12}$`)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID(protocol.ModeFast, now)
		require.Regexp(t, pattern, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCreateSession_PersistsAndActivates(t *testing.T) {
	ids := NewMemoryIDStore()
	m := NewManager(ids, nil)

	id, err := m.CreateSession(protocol.ModeAgentic)
	require.NoError(t, err)

	stored, ok := ids.Get(protocol.ModeAgentic)
	require.True(t, ok)
	assert.Equal(t, id, stored)

	s, err := m.Activate(ctx, protocol.ModeAgentic)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())
	assert.Equal(t, 0, s.Len())
}

func TestActivate_LoadsHistoryOncePerActivation(t *testing.T) {
	ids := NewMemoryIDStore()
	require.NoError(t, ids.Set(protocol.ModeFast, "fast-1"))
	usage := protocol.NewTokenUsage(10, 5, "llama3")
	loader := &countingLoader{data: map[string][]protocol.HistoryMessage{
		"fast-1": {
			{Role: protocol.RoleUser, Content: "Q1"},
			{Role: protocol.RoleAssistant, Content: "A1", Citations: []protocol.Citation{{ID: "c1"}}, TokenUsage: &usage},
			{Role: protocol.RoleUser, Content: "Q2"},
		},
	}}
	m := NewManager(ids, loader)

	s, err := m.Activate(ctx, protocol.ModeFast)
	require.NoError(t, err)
	_, err = m.Activate(ctx, protocol.ModeFast)
	require.NoError(t, err)
	_, _ = m.Session(protocol.ModeFast)

	assert.Equal(t, 1, loader.count("fast-1"))
	turns := s.Turns()
	require.Len(t, turns, 3)
	for _, tr := range turns {
		assert.True(t, tr.Terminal)
	}
	ann := s.Annotations()
	require.Len(t, ann.Citations, 1)
	assert.Equal(t, "c1", ann.Citations[0].ID)
	require.NotNil(t, ann.Usage)
	assert.Equal(t, 15, ann.Usage.TotalTokens)

	m.Deactivate(protocol.ModeFast)
	_, err = m.Activate(ctx, protocol.ModeFast)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.count("fast-1"))
}

func TestLoadHistory_FailureIsSilent(t *testing.T) {
	loader := &countingLoader{err: errors.New("404 session not found")}
	m := NewManager(NewMemoryIDStore(), loader)

	h := m.LoadHistory(ctx, "ghost")
	assert.Empty(t, h.Turns)
	assert.Nil(t, h.Last.Citations)
}

func TestResetSession_NewIDAndEmptyTurns(t *testing.T) {
	ids := NewMemoryIDStore()
	m := NewManager(ids, nil)

	first, err := m.CreateSession(protocol.ModeDeepResearch)
	require.NoError(t, err)
	s, _ := m.Session(protocol.ModeDeepResearch)
	s.Append(Turn{Role: protocol.RoleUser, Content: "hi", Terminal: true})

	second, err := m.ResetSession(protocol.ModeDeepResearch)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	s, ok := m.Session(protocol.ModeDeepResearch)
	require.True(t, ok)
	assert.Equal(t, second, s.ID())
	assert.Equal(t, 0, s.Len())

	stored, _ := ids.Get(protocol.ModeDeepResearch)
	assert.Equal(t, second, stored)
}

func TestUse_AdoptsForeignID(t *testing.T) {
	ids := NewMemoryIDStore()
	m := NewManager(ids, &countingLoader{})

	s, err := m.Use(ctx, protocol.ModeFast, "fast-external")
	require.NoError(t, err)
	assert.Equal(t, "fast-external", s.ID())

	again, err := m.Use(ctx, protocol.ModeFast, "fast-external")
	require.NoError(t, err)
	assert.Same(t, s, again)

	stored, _ := ids.Get(protocol.ModeFast)
	assert.Equal(t, "fast-external", stored)
}

func TestSession_TurnInvariants(t *testing.T) {
	s := newSession("s", protocol.ModeFast)

	require.NoError(t, s.BeginTurn())
	assert.ErrorIs(t, s.BeginTurn(), ErrTurnInFlight)
	s.EndTurn()
	require.NoError(t, s.BeginTurn())
	s.EndTurn()

	idx := s.Append(Turn{Role: protocol.RoleAssistant, Content: "par"})
	require.NoError(t, s.SetContent(idx, "partial"))
	s.Finalize(idx)
	assert.ErrorIs(t, s.SetContent(idx, "changed"), ErrTurnFinalized)

	tr, ok := s.Turn(idx)
	require.True(t, ok)
	assert.Equal(t, "partial", tr.Content)
	assert.Error(t, s.SetContent(42, "x"))
}

func TestFileIDStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")

	a := NewFileIDStore(path)
	require.NoError(t, a.Set(protocol.ModeFast, "fast-1"))
	require.NoError(t, a.Set(protocol.ModeAgentic, "agentic-1"))
	require.NoError(t, a.Clear(protocol.ModeAgentic))

	b := NewFileIDStore(path)
	id, ok := b.Get(protocol.ModeFast)
	assert.True(t, ok)
	assert.Equal(t, "fast-1", id)
	_, ok = b.Get(protocol.ModeAgentic)
	assert.False(t, ok)
}

func TestFileIDStore_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewFileIDStore(path)
	_, ok := s.Get(protocol.ModeFast)
	assert.False(t, ok)
	require.NoError(t, s.Set(protocol.ModeFast, "fast-2"))
}
