package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/finrag/internal/ingest"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/rag"
	"github.com/kalambet/finrag/internal/retrieval"
	"github.com/kalambet/finrag/internal/sse"
	"github.com/kalambet/finrag/internal/storage"
)

// --- mocks ---

type mockAnswerer struct {
	mu       sync.Mutex
	requests []rag.Request
	result   rag.Result
	err      error
}

func (m *mockAnswerer) Answer(_ context.Context, req rag.Request) (rag.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.result, m.err
}

type submission struct {
	sessionID, filename, path string
}

type mockQueue struct {
	mu          sync.Mutex
	submissions []submission
	err         error
}

func (m *mockQueue) Submit(_ context.Context, sessionID, filename, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.submissions = append(m.submissions, submission{sessionID, filename, path})
	return nil
}

// --- helpers ---

type testEnv struct {
	handler  http.Handler
	store    *storage.Store
	vectors  *retrieval.SQLiteStore
	registry *ingest.Registry
	answerer *mockAnswerer
	queue    *mockQueue
	deps     Deps
}

func newTestEnv(t *testing.T, tweak ...func(*Deps)) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:    store,
		vectors:  retrieval.NewSQLiteStore(store.DB()),
		registry: ingest.NewRegistry(0),
		answerer: &mockAnswerer{result: sampleResult()},
		queue:    &mockQueue{},
	}
	env.deps = Deps{
		Store:     store,
		RAG:       env.answerer,
		Vectors:   env.vectors,
		Registry:  env.registry,
		Queue:     env.queue,
		Processor: stubProcessor{},
		UploadDir: t.TempDir(),
	}
	for _, f := range tweak {
		f(&env.deps)
	}
	env.handler = NewHandler(env.deps)
	return env
}

func sampleResult() rag.Result {
	score := 0.91
	usage := protocol.NewTokenUsage(120, 30, "llama3.2")
	return rag.Result{
		Answer: "Revenue grew 8% year over year.",
		Citations: []protocol.Citation{
			{ID: "1", Title: "Apple 10-K 2023", Content: "Total net sales increased 8%.", Source: "Apple 10-K", Score: &score},
		},
		Rewrites:   []string{"Apple revenue growth 2023"},
		Usage:      &usage,
		Processing: protocol.ProcessingMetadata{ProcessingTimeMs: 42, RetrievalMethod: rag.MethodAgentic, Success: true},
	}
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func readFrames[T any](t *testing.T, body io.Reader) []T {
	t.Helper()
	rd := sse.NewReader(body)
	var frames []T
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		var f T
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			t.Fatalf("decoding frame %q: %v", ev.Data, err)
		}
		frames = append(frames, f)
	}
}

func frameTypes(frames []protocol.ChatFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

// --- tests ---

func TestChat_StreamsCanonicalOrder(t *testing.T) {
	env := newTestEnv(t)

	rr := postChat(t, env.handler, `{"prompt":"How did revenue change?","mode":"agentic-rag","session_id":"chat_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := readFrames[protocol.ChatFrame](t, rr.Body)
	got := strings.Join(frameTypes(frames), ",")
	want := "metadata,token,token,token,token,token,token,citations,query_rewrites,token_usage,metadata,done"
	if got != want {
		t.Fatalf("frame order\n got %s\nwant %s", got, want)
	}

	if frames[0].SessionID != "chat_1" || frames[0].Mode != protocol.ModeAgentic {
		t.Errorf("opening frame = %+v", frames[0])
	}
	var answer strings.Builder
	for i, f := range frames[1:7] {
		if f.Index == nil || *f.Index != i {
			t.Errorf("token %d index = %v", i, f.Index)
		}
		answer.WriteString(f.Token)
	}
	if answer.String() != "Revenue grew 8% year over year." {
		t.Errorf("reassembled answer = %q", answer.String())
	}
	if u := frames[9].Usage; u == nil || u.TotalTokens != 150 {
		t.Errorf("usage frame = %+v", u)
	}
	if p := frames[10].Processing; p == nil || p.RetrievalMethod != rag.MethodAgentic {
		t.Errorf("processing frame = %+v", p)
	}
	if last := frames[len(frames)-1]; !last.Done || last.SessionID != "chat_1" {
		t.Errorf("done frame = %+v", last)
	}
}

func TestChat_FramesDecodeIntoEvents(t *testing.T) {
	env := newTestEnv(t)
	rr := postChat(t, env.handler, `{"prompt":"q","mode":"fast-rag","session_id":"chat_1"}`)

	rd := sse.NewReader(rr.Body)
	var kinds []protocol.ChatEventKind
	for {
		ev, err := rd.Next()
		if err != nil {
			break
		}
		events, err := protocol.DecodeChatFrame(ev.Data)
		if err != nil {
			t.Fatalf("DecodeChatFrame(%s): %v", ev.Data, err)
		}
		for _, e := range events {
			kinds = append(kinds, e.Kind)
		}
	}
	if len(kinds) == 0 || kinds[0] != protocol.ChatSession || kinds[len(kinds)-1] != protocol.ChatDone {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestChat_PersistsTurnsAndUsage(t *testing.T) {
	env := newTestEnv(t)
	postChat(t, env.handler, `{"prompt":"How did revenue change?","mode":"fast-rag","session_id":"chat_1"}`)

	msgs, err := env.store.GetMessages(context.Background(), "chat_1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "How did revenue change?" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Revenue grew 8% year over year." {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	sum, err := env.store.SessionUsage(context.Background(), "chat_1")
	if err != nil {
		t.Fatalf("SessionUsage: %v", err)
	}
	if sum.Requests != 1 || sum.TotalTokens != 150 {
		t.Errorf("usage = %+v", sum)
	}
}

func TestChat_SendsEarlierTurnsAsHistory(t *testing.T) {
	env := newTestEnv(t)
	postChat(t, env.handler, `{"prompt":"first","mode":"fast-rag","session_id":"chat_1"}`)
	postChat(t, env.handler, `{"prompt":"second","mode":"fast-rag","session_id":"chat_1"}`)

	reqs := env.answerer.requests
	if len(reqs) != 2 {
		t.Fatalf("answerer called %d times", len(reqs))
	}
	if len(reqs[0].History) != 0 {
		t.Errorf("first turn history = %+v", reqs[0].History)
	}
	h := reqs[1].History
	if len(h) != 2 || h[0].Content != "first" || h[1].Role != "assistant" {
		t.Errorf("second turn history = %+v", h)
	}
}

func TestChat_AllocatesSessionID(t *testing.T) {
	env := newTestEnv(t)
	rr := postChat(t, env.handler, `{"prompt":"hello"}`)

	frames := readFrames[protocol.ChatFrame](t, rr.Body)
	first, last := frames[0], frames[len(frames)-1]
	if first.SessionID == "" {
		t.Fatal("no session id allocated")
	}
	if last.SessionID != first.SessionID {
		t.Errorf("done session %q != opening session %q", last.SessionID, first.SessionID)
	}
	if first.Mode != protocol.ModeFast {
		t.Errorf("default mode = %q, want fast-rag", first.Mode)
	}
}

func TestChat_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"unknown mode", `{"prompt":"q","mode":"turbo-rag"}`},
		{"empty prompt", `{"prompt":"   ","mode":"fast-rag"}`},
		{"malformed", `{"prompt":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postChat(t, env.handler, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
			var resp map[string]map[string]string
			json.NewDecoder(rr.Body).Decode(&resp)
			if resp["error"]["type"] != "invalid_request_error" {
				t.Errorf("error envelope = %v", resp)
			}
		})
	}
	if len(env.answerer.requests) != 0 {
		t.Errorf("workflow ran for rejected requests")
	}
}

func TestChat_WorkflowErrorEndsWithErrorFrame(t *testing.T) {
	env := newTestEnv(t)
	env.answerer.err = errors.New("search index offline")

	rr := postChat(t, env.handler, `{"prompt":"q","mode":"fast-rag","session_id":"chat_err"}`)
	frames := readFrames[protocol.ChatFrame](t, rr.Body)
	if len(frames) != 2 {
		t.Fatalf("frames = %v", frameTypes(frames))
	}
	last := frames[1]
	if last.Type != protocol.FrameError || !strings.Contains(last.Error, "search index offline") {
		t.Errorf("last frame = %+v", last)
	}
	for _, f := range frames {
		if f.Done {
			t.Error("done frame sent after a failed workflow")
		}
	}

	msgs, err := env.store.GetMessages(context.Background(), "chat_err")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want the user turn and an error turn", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Error: "+last.Error {
		t.Errorf("error turn = %+v, want assistant %q", msgs[1], "Error: "+last.Error)
	}
}

func TestChat_PersistsStreamedTextVerbatim(t *testing.T) {
	env := newTestEnv(t)
	env.answerer.result.Answer = "Revenue by segment:\n\n- iPhone  $201B\n- Services\t$85B\n"

	rr := postChat(t, env.handler, `{"prompt":"segments?","mode":"fast-rag","session_id":"chat_ws"}`)
	var streamed strings.Builder
	for _, f := range readFrames[protocol.ChatFrame](t, rr.Body) {
		if f.Type == protocol.FrameToken {
			streamed.WriteString(f.Token)
		}
	}

	msgs, err := env.store.GetMessages(context.Background(), "chat_ws")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != streamed.String() {
		t.Errorf("stored answer %q differs from streamed %q", msgs[1].Content, streamed.String())
	}
	if streamed.String() != env.answerer.result.Answer {
		t.Errorf("streamed %q, want %q", streamed.String(), env.answerer.result.Answer)
	}
}

func TestAnswerTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"one", []string{"one"}},
		{"two words", []string{"two ", "words"}},
		{"  lead\n\ntrail ", []string{"  lead\n\n", "trail "}},
		{" \n", []string{" \n"}},
	}
	for _, tt := range tests {
		got := answerTokens(tt.in)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("answerTokens(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestChat_OmitsEmptyOptionalFrames(t *testing.T) {
	env := newTestEnv(t)
	env.answerer.result = rag.Result{
		Answer:     "No documents found.",
		Processing: protocol.ProcessingMetadata{RetrievalMethod: rag.MethodFast, Success: true},
	}

	rr := postChat(t, env.handler, `{"prompt":"q","session_id":"s"}`)
	got := strings.Join(frameTypes(readFrames[protocol.ChatFrame](t, rr.Body)), ",")
	if got != "metadata,token,token,token,metadata,done" {
		t.Errorf("frames = %s", got)
	}
}

func TestChat_TokenDelayHonoursCancellation(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.TokenDelay = time.Hour })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"prompt":"q","session_id":"s"}`)).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		env.handler.ServeHTTP(rr, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}
	if bytes.Contains(rr.Body.Bytes(), []byte(`"done":true`)) {
		t.Error("done frame sent on an abandoned stream")
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	postChat(t, env.handler, `{"prompt":"How did revenue change?","session_id":"chat_h"}`)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/chat/history/chat_h", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp protocol.HistoryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(resp.Messages))
	}
	asst := resp.Messages[1]
	if asst.Role != protocol.RoleAssistant || len(asst.Citations) != 1 {
		t.Errorf("assistant turn = %+v", asst)
	}
	if asst.TokenUsage == nil || asst.TokenUsage.TotalTokens != 150 {
		t.Errorf("token usage = %+v", asst.TokenUsage)
	}
	if asst.ProcessingMetadata == nil || asst.ProcessingMetadata.RetrievalMethod != rag.MethodAgentic {
		t.Errorf("processing = %+v", asst.ProcessingMetadata)
	}
	if resp.Messages[0].Timestamp.IsZero() {
		t.Error("user turn has no timestamp")
	}
}

func TestHistory_UnknownSessionIsEmpty(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/chat/history/never", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"messages":[]}` {
		t.Errorf("body = %s", body)
	}
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t)
	postChat(t, env.handler, `{"prompt":"one","session_id":"chat_u"}`)
	postChat(t, env.handler, `{"prompt":"two","session_id":"chat_u"}`)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/chat/usage/chat_u", nil))

	var u protocol.SessionUsage
	if err := json.NewDecoder(rr.Body).Decode(&u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Requests != 2 || u.PromptTokens != 240 || u.CompletionTokens != 60 || u.TotalTokens != 300 {
		t.Errorf("usage = %+v", u)
	}
}
