package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/finrag/internal/ingest"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/rag"
	"github.com/kalambet/finrag/internal/retrieval"
	"github.com/kalambet/finrag/internal/storage"
)

// MCPSearcher abstracts semantic search for the MCP layer.
type MCPSearcher interface {
	Retrieve(ctx context.Context, query string, topK int, filter retrieval.Filter) ([]retrieval.Chunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	RAG      Answerer
	Search   MCPSearcher
	Registry *ingest.Registry // optional; ingestion_status reports unknown sessions without it
}

// NewMCPServer creates an MCP server with all finrag tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"finrag",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("finrag answers questions about ingested financial filings (10-K, 10-Q, earnings reports) with cited sources."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the indexed financial documents, with citations."),
			mcp.WithString("prompt", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Workflow: fast-rag (default), agentic-rag or deep-research-rag")),
			mcp.WithString("session_id", mcp.Description("Conversation to continue; history is loaded from it")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the indexed document chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("company", mcp.Description("Only return chunks of this company")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("ingestion_status",
			mcp.WithDescription("Report the progress of a document upload."),
			mcp.WithString("session_id", mcp.Description("Upload session id"), mcp.Required()),
		),
		mcpIngestionStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"finrag://documents",
			"Indexed Documents",
			mcp.WithResourceDescription("The 20 most recently ingested documents"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || strings.TrimSpace(prompt) == "" {
			return mcpError("prompt is required"), nil
		}

		mode := protocol.ModeFast
		if m := req.GetString("mode", ""); m != "" {
			parsed, err := protocol.ParseMode(m)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			mode = parsed
		}

		rreq := rag.Request{Prompt: prompt, Mode: mode}
		if sid := req.GetString("session_id", ""); sid != "" && deps.Store != nil {
			msgs, err := deps.Store.GetMessages(ctx, sid)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to load history: %v", err)), nil
			}
			rreq.History = toLLMHistory(msgs)
		}

		res, err := deps.RAG.Answer(ctx, rreq)
		if err != nil {
			return mcpError(fmt.Sprintf("answer failed: %v", err)), nil
		}

		var b strings.Builder
		b.WriteString(res.Answer)
		if len(res.Citations) > 0 {
			b.WriteString("\n\nSources:\n")
			for _, c := range res.Citations {
				fmt.Fprintf(&b, "[%s] %s (%s)\n", c.ID, c.Title, c.Source)
			}
		}
		return mcpText(strings.TrimRight(b.String(), "\n")), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Search.Retrieve(ctx, query, limit, retrieval.Filter{Company: req.GetString("company", "")})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID           string  `json:"id"`
			DocumentID   string  `json:"document_id"`
			Company      string  `json:"company"`
			DocumentType string  `json:"document_type"`
			Title        string  `json:"title"`
			Text         string  `json:"text"`
			Score        float32 `json:"score"`
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				ID:           c.ID,
				DocumentID:   c.DocumentID,
				Company:      c.Company,
				DocumentType: c.DocumentType,
				Title:        c.Title,
				Text:         c.Text,
				Score:        c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpIngestionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		if deps.Registry == nil {
			return mcpError("Session not found"), nil
		}

		st, err := deps.Registry.Status(sessionID)
		if err != nil {
			return mcpError("Session not found"), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type documentSummary struct {
			ID               string  `json:"id"`
			Filename         string  `json:"filename"`
			Company          string  `json:"company"`
			DocumentType     string  `json:"document_type"`
			Year             string  `json:"year"`
			CredibilityScore float64 `json:"credibility_score"`
			Chunks           int     `json:"chunks"`
			CreatedAt        string  `json:"created_at"`
		}

		summaries := make([]documentSummary, len(docs))
		for i, d := range docs {
			summaries[i] = documentSummary{
				ID:               d.ID,
				Filename:         d.Filename,
				Company:          d.Company,
				DocumentType:     d.DocumentType,
				Year:             d.Year,
				CredibilityScore: d.CredibilityScore,
				Chunks:           d.ChunkCount,
				CreatedAt:        d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
