package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/finrag/internal/ingest"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/retrieval"
	"github.com/kalambet/finrag/internal/storage"
)

// --- mocks ---

type mockMCPSearcher struct {
	chunks []retrieval.Chunk
	err    error

	mu      sync.Mutex
	filters []retrieval.Filter
}

func (m *mockMCPSearcher) Retrieve(_ context.Context, _ string, _ int, filter retrieval.Filter) ([]retrieval.Chunk, error) {
	m.mu.Lock()
	m.filters = append(m.filters, filter)
	m.mu.Unlock()
	return m.chunks, m.err
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:    store,
		RAG:      &mockAnswerer{result: sampleResult()},
		Search:   &mockMCPSearcher{},
		Registry: ingest.NewRegistry(0),
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_Ask(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"prompt": "How did Apple's revenue change?",
		"mode":   "agentic-rag",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	text := toolText(t, result)
	if !strings.HasPrefix(text, "Revenue grew 8% year over year.") {
		t.Errorf("answer = %q", text)
	}
	if !strings.Contains(text, "[1] Apple 10-K 2023 (Apple 10-K)") {
		t.Errorf("sources missing from %q", text)
	}

	reqs := deps.RAG.(*mockAnswerer).requests
	if len(reqs) != 1 || reqs[0].Mode != protocol.ModeAgentic {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestMCPTool_Ask_LoadsSessionHistory(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	ctx := context.Background()
	store.EnsureChatSession(ctx, "chat_m", "fast-rag")
	store.AppendMessage(ctx, storage.ChatMessage{ID: "m1", SessionID: "chat_m", Role: "user", Content: "earlier question"})

	handler := mcpAsk(deps)
	result, _ := handler(ctx, makeCallToolRequest("ask", map[string]interface{}{
		"prompt":     "follow up",
		"session_id": "chat_m",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	reqs := deps.RAG.(*mockAnswerer).requests
	if len(reqs[0].History) != 1 || reqs[0].History[0].Content != "earlier question" {
		t.Errorf("history = %+v", reqs[0].History)
	}
}

func TestMCPTool_Ask_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
		err  error
	}{
		{name: "missing prompt", args: map[string]interface{}{}},
		{name: "unknown mode", args: map[string]interface{}{"prompt": "q", "mode": "slow-rag"}},
		{name: "workflow failure", args: map[string]interface{}{"prompt": "q"}, err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _ := newTestMCPDeps(t)
			deps.RAG.(*mockAnswerer).err = tt.err
			result, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got %s", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_SearchDocuments(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	searcher := &mockMCPSearcher{
		chunks: []retrieval.Chunk{
			{ID: "c1", DocumentID: "d1", Company: "Apple", Text: "Total net sales increased 8%", Score: 0.95},
			{ID: "c2", DocumentID: "d1", Company: "Apple", Text: "Gross margin expanded", Score: 0.8},
		},
	}
	deps.Search = searcher
	handler := mcpSearchDocuments(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query":   "revenue",
		"limit":   5,
		"company": "Apple",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var chunks []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &chunks); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(chunks) != 2 || chunks[0]["document_id"] != "d1" {
		t.Fatalf("chunks = %v", chunks)
	}
	if searcher.filters[0].Company != "Apple" {
		t.Errorf("filter = %+v", searcher.filters[0])
	}
}

func TestMCPTool_SearchDocuments_EmptyResult(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "nonexistent topic",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_SearchDocuments_Error(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Search = &mockMCPSearcher{err: errors.New("embed failed")}
	result, err := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "test",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_IngestionStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Registry.Start("up_1", "aapl.pdf")
	deps.Registry.Progress("up_1", protocol.StageEmbeddings, 72, "Processing batch 1/3")
	handler := mcpIngestionStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("ingestion_status", map[string]interface{}{"session_id": "up_1"}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var st protocol.ProcessingStatus
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.Step != "EMBEDDINGS" || st.Progress != 72 {
		t.Errorf("status = %+v", st)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("ingestion_status", map[string]interface{}{"session_id": "nope"}))
	if !result.IsError {
		t.Error("expected error for unknown session")
	}
}

func TestMCPResource_Documents(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	if err := store.SaveDocument(context.Background(), storage.Document{
		ID: "d1", Filename: "aapl_10k_2023.pdf", Company: "Apple", DocumentType: "10-K", Year: "2023", ChunkCount: 12,
	}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	contents, err := mcpResourceDocuments(deps)(context.Background(), makeReadResourceRequest("finrag://documents"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var docs []map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &docs); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(docs) != 1 || docs[0]["company"] != "Apple" || docs[0]["chunks"] != float64(12) {
		t.Fatalf("docs = %v", docs)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Search = &mockMCPSearcher{chunks: []retrieval.Chunk{{ID: "c1", Text: "test", Score: 0.9}}}

	ask := mcpAsk(deps)
	search := mcpSearchDocuments(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := ask(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"prompt": "q"})); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := search(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{"query": "q"})); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
