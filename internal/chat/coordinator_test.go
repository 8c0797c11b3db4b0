package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/session"
	"github.com/kalambet/finrag/internal/sse"
)

// fakeTransport replays frames to the handlers. When keepGoing is set it
// keeps delivering after a handler asks to stop.
type fakeTransport struct {
	frames    []string
	err       error
	keepGoing bool
	onStart   func(req protocol.ChatRequest)
	requests  []protocol.ChatRequest
}

func (f *fakeTransport) Stream(_ context.Context, req protocol.ChatRequest, h sse.Handlers) error {
	f.requests = append(f.requests, req)
	if f.onStart != nil {
		f.onStart(req)
	}
	if h.OnOpen != nil {
		h.OnOpen()
	}
	for _, fr := range f.frames {
		if !h.OnMessage(sse.Event{Data: []byte(fr)}) && !f.keepGoing {
			return nil
		}
	}
	return f.err
}

var ctx = context.Background()

func newTestCoordinator(tr Transport) (*Coordinator, *session.Manager) {
	m := session.NewManager(session.NewMemoryIDStore(), nil)
	return New(tr, m), m
}

func assistantTurns(turns []session.Turn) []session.Turn {
	var out []session.Turn
	for _, t := range turns {
		if t.Role == protocol.RoleAssistant {
			out = append(out, t)
		}
	}
	return out
}

func activeSession(t *testing.T, m *session.Manager, mode protocol.Mode) *session.Session {
	t.Helper()
	s, ok := m.Session(mode)
	require.True(t, ok)
	return s
}

func TestSendMessage_ScenarioCollapsesTokens(t *testing.T) {
	tr := &fakeTransport{frames: []string{
		`{"token":"Risk "}`,
		`{"token":"factors "}`,
		`{"token":"are X."}`,
		`{"type":"citations","citations":[{"id":"c1","title":"10-K","content":"...","source":"SEC"}]}`,
		`{"done":true}`,
	}}
	c, m := newTestCoordinator(tr)

	require.NoError(t, c.SendMessage(ctx, "Summarize risk factors", protocol.ModeFast, ""))

	s := activeSession(t, m, protocol.ModeFast)
	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, protocol.RoleUser, turns[0].Role)
	assert.Equal(t, "Summarize risk factors", turns[0].Content)
	assert.True(t, turns[0].Terminal)

	assert.Equal(t, protocol.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Risk factors are X.", turns[1].Content)
	assert.True(t, turns[1].Terminal)

	ann := s.Annotations()
	require.Len(t, ann.Citations, 1)
	assert.Equal(t, "c1", ann.Citations[0].ID)
	assert.False(t, s.Loading())

	require.Len(t, tr.requests, 1)
	assert.Equal(t, s.ID(), tr.requests[0].SessionID)
	assert.Equal(t, protocol.ModeFast, tr.requests[0].Mode)
}

func TestSendMessage_ManyTokensOneTurn(t *testing.T) {
	var frames []string
	want := ""
	for i := 0; i < 50; i++ {
		frames = append(frames, `{"type":"token","token":"w "}`)
		want += "w "
	}
	frames = append(frames, `{"type":"done","done":true}`)
	c, m := newTestCoordinator(&fakeTransport{frames: frames})

	require.NoError(t, c.SendMessage(ctx, "q", protocol.ModeAgentic, ""))

	got := assistantTurns(activeSession(t, m, protocol.ModeAgentic).Turns())
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0].Content)
}

func TestSendMessage_AllAnnotations(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{frames: []string{
		`{"type":"metadata","session_id":"ignored","mode":"deep-research-rag"}`,
		`{"type":"token","token":"ok"}`,
		`{"type":"query_rewrites","rewrites":["q1","q2"]}`,
		`{"type":"token_usage","usage":{"prompt_tokens":4,"completion_tokens":6}}`,
		`{"type":"metadata","processing":{"processing_time_ms":42,"retrieval_method":"deep-research-rag","success":true}}`,
		`{"type":"done","done":true}`,
	}})

	require.NoError(t, c.SendMessage(ctx, "q", protocol.ModeDeepResearch, ""))

	ann := activeSession(t, m, protocol.ModeDeepResearch).Annotations()
	assert.Equal(t, []string{"q1", "q2"}, ann.Rewrites)
	require.NotNil(t, ann.Usage)
	assert.Equal(t, 10, ann.Usage.TotalTokens)
	require.NotNil(t, ann.Processing)
	assert.Equal(t, int64(42), ann.Processing.ProcessingTimeMs)
	assert.True(t, ann.Processing.Success)
}

func TestSendMessage_ClearsStaleAnnotations(t *testing.T) {
	tr := &fakeTransport{frames: []string{
		`{"token":"first"}`,
		`{"type":"citations","citations":[{"id":"old"}]}`,
		`{"type":"query_rewrites","rewrites":["old"]}`,
		`{"type":"token_usage","usage":{"prompt_tokens":1,"completion_tokens":1}}`,
		`{"type":"metadata","processing":{"processing_time_ms":1,"retrieval_method":"fast-rag","success":true}}`,
		`{"done":true}`,
	}}
	c, m := newTestCoordinator(tr)
	require.NoError(t, c.SendMessage(ctx, "one", protocol.ModeFast, ""))
	s := activeSession(t, m, protocol.ModeFast)
	require.Len(t, s.Annotations().Citations, 1)

	var atStart session.Annotations
	tr.frames = []string{`{"token":"second"}`, `{"done":true}`}
	tr.onStart = func(protocol.ChatRequest) { atStart = s.Annotations() }

	require.NoError(t, c.SendMessage(ctx, "two", protocol.ModeFast, s.ID()))

	assert.Nil(t, atStart.Citations)
	assert.Nil(t, atStart.Rewrites)
	assert.Nil(t, atStart.Usage)
	assert.Nil(t, atStart.Processing)
	assert.Nil(t, s.Annotations().Citations)
	assert.Len(t, s.Turns(), 4)
}

func TestSendMessage_EventsAfterDoneIgnored(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{keepGoing: true, frames: []string{
		`{"token":"final"}`,
		`{"done":true}`,
		`{"token":" extra"}`,
		`{"type":"citations","citations":[{"id":"late"}]}`,
		`{"error":"late failure"}`,
	}})

	require.NoError(t, c.SendMessage(ctx, "q", protocol.ModeFast, ""))

	s := activeSession(t, m, protocol.ModeFast)
	got := assistantTurns(s.Turns())
	require.Len(t, got, 1)
	assert.Equal(t, "final", got[0].Content)
	assert.Nil(t, s.Annotations().Citations)
}

func TestSendMessage_MalformedFrameSkipped(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{frames: []string{
		`{"token":"Hello "}`,
		`{this is not json`,
		`{"token":"world"}`,
		`{"done":true}`,
	}})

	require.NoError(t, c.SendMessage(ctx, "q", protocol.ModeFast, ""))

	got := assistantTurns(activeSession(t, m, protocol.ModeFast).Turns())
	require.Len(t, got, 1)
	assert.Equal(t, "Hello world", got[0].Content)
}

func TestSendMessage_BusinessError(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{frames: []string{
		`{"token":"partial"}`,
		`{"type":"error","error":"retrieval backend unavailable"}`,
	}})

	err := c.SendMessage(ctx, "q", protocol.ModeAgentic, "")

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.ErrorBusiness, se.Kind)
	assert.Equal(t, "retrieval backend unavailable", se.Message)

	s := activeSession(t, m, protocol.ModeAgentic)
	got := assistantTurns(s.Turns())
	require.Len(t, got, 1)
	assert.Equal(t, "Error: retrieval backend unavailable", got[0].Content)
	assert.True(t, got[0].Terminal)
	assert.False(t, s.Loading())
}

func TestSendMessage_ClosedWithoutDone(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{
		frames: []string{`{"token":"half an "}`, `{"token":"answer"}`},
		err:    sse.ErrStreamEnded,
	})

	err := c.SendMessage(ctx, "q", protocol.ModeFast, "")

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.ErrorTransport, se.Kind)
	assert.ErrorIs(t, err, ErrIncompleteStream)
	assert.ErrorIs(t, err, sse.ErrStreamEnded)

	s := activeSession(t, m, protocol.ModeFast)
	got := assistantTurns(s.Turns())
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "half an answer")
	assert.Contains(t, got[0].Content, "Error:")
	assert.True(t, got[0].Terminal)
	assert.False(t, s.Loading())
}

func TestSendMessage_CleanCloseWithoutDoneIsProtocolViolation(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{frames: []string{`{"token":"x"}`}})

	err := c.SendMessage(ctx, "q", protocol.ModeFast, "")
	assert.ErrorIs(t, err, ErrIncompleteStream)
	assert.Len(t, assistantTurns(activeSession(t, m, protocol.ModeFast).Turns()), 1)
}

func TestSendMessage_OpenFailure(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{err: errors.New("connection refused")})

	err := c.SendMessage(ctx, "q", protocol.ModeFast, "")

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.ErrorTransport, se.Kind)

	turns := activeSession(t, m, protocol.ModeFast).Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, protocol.RoleAssistant, turns[1].Role)
	assert.True(t, turns[1].Terminal)
	assert.Contains(t, turns[1].Content, "Error:")
}

func TestSendMessage_DoneWithoutTokens(t *testing.T) {
	c, m := newTestCoordinator(&fakeTransport{frames: []string{`{"done":true}`}})

	require.NoError(t, c.SendMessage(ctx, "q", protocol.ModeFast, ""))

	got := assistantTurns(activeSession(t, m, protocol.ModeFast).Turns())
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].Content)
	assert.True(t, got[0].Terminal)
}

func TestSendMessage_EmptyQuery(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestCoordinator(tr)

	assert.ErrorIs(t, c.SendMessage(ctx, "   ", protocol.ModeFast, ""), ErrEmptyQuery)
	assert.Empty(t, tr.requests)
}

func TestSendMessage_RejectsConcurrentTurn(t *testing.T) {
	tr := &fakeTransport{frames: []string{`{"token":"a"}`, `{"done":true}`}}
	c, m := newTestCoordinator(tr)

	var nested error
	var loading bool
	tr.onStart = func(req protocol.ChatRequest) {
		tr.onStart = nil
		s := activeSession(t, m, protocol.ModeFast)
		loading = s.Loading()
		nested = c.SendMessage(ctx, "again", protocol.ModeFast, req.SessionID)
	}

	require.NoError(t, c.SendMessage(ctx, "q", protocol.ModeFast, ""))
	assert.True(t, loading)
	assert.ErrorIs(t, nested, session.ErrTurnInFlight)
	assert.Len(t, activeSession(t, m, protocol.ModeFast).Turns(), 2)
}

func TestSendMessage_ObserverSeesEventsInOrder(t *testing.T) {
	var kinds []protocol.ChatEventKind
	m := session.NewManager(session.NewMemoryIDStore(), nil)
	c := New(&fakeTransport{frames: []string{
		`{"token":"a"}`,
		`{"type":"citations","citations":[]}`,
		`{"token":"b","done":true}`,
	}}, m, WithObserver(func(ev protocol.ChatEvent, _ *session.Session) {
		kinds = append(kinds, ev.Kind)
	}))

	require.NoError(t, c.SendMessage(ctx, "q", protocol.ModeFast, ""))
	assert.Equal(t, []protocol.ChatEventKind{protocol.ChatToken, protocol.ChatCitations, protocol.ChatToken, protocol.ChatDone}, kinds)
}
