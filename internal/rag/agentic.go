package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/finrag/internal/ollama"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/retrieval"
)

const rewriteSystemPrompt = `You plan searches over a library of company financial filings.
Rewrite the user's question into at most 3 short, self-contained search queries that together cover it.
Resolve pronouns using the conversation. Respond with JSON only.`

const answerSystemPrompt = `You are a financial research assistant. Answer the question using only the numbered sources.
Cite sources inline as [1], [2]. If the sources do not contain the answer, say so plainly.`

func rewriteSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"queries": {
				Type:        "array",
				Description: "search queries",
				Items:       &ollama.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"queries"},
	}
}

// agentic plans sub-queries with the model, retrieves for all of them in
// parallel and writes a grounded answer. When the model is missing or fails
// it degrades to a single search with an extractive answer.
func (s *Service) agentic(ctx context.Context, req Request) (Result, error) {
	if s.llm == nil {
		return s.basicSearch(ctx, req)
	}

	usage := protocol.TokenUsage{Model: s.model}
	queries := s.rewrite(ctx, req, &usage)

	chunks, err := s.search.RetrieveMany(ctx, queries, agenticPerQuery, agenticContextSize, filterFor(req))
	if err != nil {
		return Result{}, err
	}
	if s.rerank != nil && len(chunks) > 0 {
		reranked, err := s.rerank.Rerank(ctx, req.Prompt, chunks)
		switch {
		case err != nil && ctx.Err() != nil:
			return Result{}, err
		case err != nil:
			s.logger.Warn("rerank failed, keeping search order", "error", err)
		default:
			chunks = reranked
		}
	}
	if len(chunks) == 0 {
		return Result{
			Answer:     noContentAnswer,
			Rewrites:   queries,
			Usage:      ptr(usage.Normalize()),
			Processing: protocol.ProcessingMetadata{RetrievalMethod: MethodAgentic},
		}, nil
	}

	cs := citations(chunks, 0, 0, false)
	out, err := s.llm.Chat(ctx, s.model, answerMessages(req, cs), nil)
	if err != nil {
		s.logger.Warn("answer generation failed, answering extractively", "error", err)
		return s.extractiveResult(req, chunks, queries), nil
	}
	usage.PromptTokens += out.PromptTokens
	usage.CompletionTokens += out.CompletionTokens

	for i := range cs {
		cs[i].Content = clip(cs[i].Content, excerptChars)
	}
	return Result{
		Answer:     strings.TrimSpace(out.Content),
		Citations:  cs,
		Rewrites:   queries,
		Usage:      ptr(usage.Normalize()),
		Processing: protocol.ProcessingMetadata{RetrievalMethod: MethodAgentic},
	}, nil
}

// rewrite asks the model for sub-queries. The original prompt is always the
// first query; model failures leave it as the only one.
func (s *Service) rewrite(ctx context.Context, req Request, usage *protocol.TokenUsage) []string {
	queries := []string{req.Prompt}

	msgs := []ollama.Message{{Role: "system", Content: rewriteSystemPrompt}}
	msgs = append(msgs, recentHistory(req.History)...)
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.Prompt})

	out, err := s.llm.Chat(ctx, s.model, msgs, rewriteSchema())
	if err != nil {
		s.logger.Warn("query rewrite failed", "error", err)
		return queries
	}
	usage.PromptTokens += out.PromptTokens
	usage.CompletionTokens += out.CompletionTokens

	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(out.Content), &parsed); err != nil {
		s.logger.Warn("failed to unmarshal query rewrites", "error", err, "response", out.Content)
		return queries
	}

	seen := map[string]bool{strings.ToLower(req.Prompt): true}
	for _, q := range parsed.Queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		queries = append(queries, q)
		if len(queries) > maxRewrites {
			break
		}
	}
	return queries
}

func (s *Service) basicSearch(ctx context.Context, req Request) (Result, error) {
	chunks, err := s.search.Retrieve(ctx, req.Prompt, agenticContextSize, filterFor(req))
	if err != nil {
		return Result{}, err
	}
	return s.extractiveResult(req, chunks, []string{req.Prompt}), nil
}

func (s *Service) extractiveResult(req Request, chunks []retrieval.Chunk, queries []string) Result {
	cs := citations(chunks, 0, excerptChars, false)
	top := cs
	if len(top) > fastTopK {
		top = top[:fastTopK]
	}
	answer := extractive(searchPreamble, top)
	return Result{
		Answer:     answer,
		Citations:  cs,
		Rewrites:   queries,
		Usage:      estimatedUsage(req.Prompt, answer),
		Processing: protocol.ProcessingMetadata{RetrievalMethod: MethodBasicSearch},
	}
}

func answerMessages(req Request, cs []protocol.Citation) []ollama.Message {
	var sb strings.Builder
	for _, c := range cs {
		fmt.Fprintf(&sb, "[%s] %s (%s)\n%s\n\n", c.ID, c.Title, c.Source, c.Content)
	}
	sb.WriteString("Question: ")
	sb.WriteString(req.Prompt)

	msgs := []ollama.Message{{Role: "system", Content: answerSystemPrompt}}
	msgs = append(msgs, recentHistory(req.History)...)
	return append(msgs, ollama.Message{Role: "user", Content: sb.String()})
}

func recentHistory(h []ollama.Message) []ollama.Message {
	if len(h) > historyTurns {
		h = h[len(h)-historyTurns:]
	}
	out := make([]ollama.Message, 0, len(h))
	for _, m := range h {
		if strings.TrimSpace(m.Content) != "" {
			out = append(out, m)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
