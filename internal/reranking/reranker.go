// Package reranking re-scores retrieved filing chunks with the chat model.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/finrag/internal/ollama"
	"github.com/kalambet/finrag/internal/retrieval"
)

const (
	defaultConcurrency = 3
	// DefaultThreshold drops chunks the model rates below it.
	DefaultThreshold = 0.3
	maxChunkChars    = 1500
)

// Scorer is the chat model used to judge relevance. *ollama.Client
// satisfies it.
type Scorer interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (ollama.ChatResult, error)
}

// LLMReranker scores (query, chunk) pairs concurrently, drops chunks below
// the threshold and sorts the rest by score.
type LLMReranker struct {
	llm       Scorer
	model     string
	timeout   time.Duration
	threshold float64
	logger    *slog.Logger
}

func New(llm Scorer, model string, timeout time.Duration, threshold float64) *LLMReranker {
	return &LLMReranker{
		llm:       llm,
		model:     model,
		timeout:   timeout,
		threshold: threshold,
		logger:    slog.Default(),
	}
}

// Rerank returns the chunks ordered by model relevance. When the timeout
// fires before every chunk is scored the input order is returned unchanged.
// A chunk whose score cannot be obtained keeps its vector similarity.
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []retrieval.Chunk) ([]retrieval.Chunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored := make([]retrieval.Chunk, len(chunks))
	copy(scored, chunks)

	var g errgroup.Group
	g.SetLimit(defaultConcurrency)
	for i := range scored {
		g.Go(func() error {
			if timeoutCtx.Err() != nil {
				return nil
			}
			score, err := r.scoreChunk(timeoutCtx, query, scored[i])
			if err != nil {
				r.logger.Debug("rerank score failed, keeping similarity", "chunk_id", scored[i].ID, "error", err)
				return nil
			}
			scored[i].Score = float32(score)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeoutCtx.Err() != nil {
		r.logger.Warn("rerank timed out, keeping search order", "chunks", len(chunks), "timeout", r.timeout)
		return chunks, nil
	}

	kept := scored[:0]
	for _, c := range scored {
		if float64(c.Score) >= r.threshold {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

func (r *LLMReranker) scoreChunk(ctx context.Context, query string, c retrieval.Chunk) (float64, error) {
	text := c.Text
	if len(text) > maxChunkChars {
		text = text[:maxChunkChars]
	}
	prompt := "Rate how useful the following excerpt from a financial filing is for answering the question, from 0.0 to 1.0.\n" +
		"Question: " + query + "\n" +
		"Company: " + c.Company + "\n" +
		"Excerpt: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	schema := &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"score": {Type: "number", Description: "relevance from 0.0 to 1.0"},
		},
		Required: []string{"score"},
	}

	out, err := r.llm.Chat(ctx, r.model, []ollama.Message{{Role: "user", Content: prompt}}, schema)
	if err != nil {
		return 0, err
	}
	return parseScore(out.Content)
}

// parseScore pulls the score out of a model reply. Small local models often
// wrap the JSON in code fences or chatter around it.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	return min(max(*obj.Score, 0), 1), nil
}
