// Package rag answers questions over the indexed documents with one of three
// workflows: fast, agentic and deep research.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/finrag/internal/ollama"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/retrieval"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

// Searcher finds chunks relevant to a query. *retrieval.Retriever satisfies it.
type Searcher interface {
	Retrieve(ctx context.Context, query string, topK int, filter retrieval.Filter) ([]retrieval.Chunk, error)
	RetrieveMany(ctx context.Context, queries []string, topK, limit int, filter retrieval.Filter) ([]retrieval.Chunk, error)
}

// LLM is the chat model used by the agentic workflows. *ollama.Client
// satisfies it.
type LLM interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (ollama.ChatResult, error)
}

// Reranker reorders and filters candidate chunks before an answer is
// written. *reranking.LLMReranker satisfies it.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []retrieval.Chunk) ([]retrieval.Chunk, error)
}

// Request is one question.
type Request struct {
	Prompt            string
	Mode              protocol.Mode
	VerificationLevel string
	// History holds earlier turns of the conversation, oldest first. Only
	// the last few are sent to the model.
	History []ollama.Message
	Company string
}

// Result is a complete answer ready to be streamed.
type Result struct {
	Answer     string
	Citations  []protocol.Citation
	Rewrites   []string
	Usage      *protocol.TokenUsage
	Processing protocol.ProcessingMetadata
}

// Retrieval method labels reported in ProcessingMetadata.
const (
	MethodFast         = "fast_rag"
	MethodAgentic      = "agentic_rag"
	MethodBasicSearch  = "basic_search"
	MethodDeepResearch = "deep_research_rag"
)

const (
	fastTopK           = 3
	excerptChars       = 500
	verificationDocs   = 2
	verificationChars  = 300
	maxRewrites        = 3
	agenticPerQuery    = 5
	agenticContextSize = 8
	historyTurns       = 5
	defaultVerifyLevel = "basic"
)

// Service runs the workflows.
type Service struct {
	search Searcher
	llm    LLM
	rerank Reranker
	model  string
	topK   int
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithLLM enables model-backed rewriting and answer generation. Without it
// the agentic workflows answer extractively.
func WithLLM(llm LLM, model string) Option {
	return func(s *Service) {
		s.llm = llm
		s.model = model
	}
}

// WithTopK sets how many chunks the fast workflow cites.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithReranker rescores the agentic workflows' search results.
func WithReranker(r Reranker) Option {
	return func(s *Service) { s.rerank = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(search Searcher, opts ...Option) *Service {
	s := &Service{search: search, topK: fastTopK, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Answer runs the workflow for req.Mode. A returned error means the turn
// failed and no partial result is usable.
func (s *Service) Answer(ctx context.Context, req Request) (Result, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return Result{}, ErrEmptyPrompt
	}

	start := s.now()
	var (
		res Result
		err error
	)
	switch req.Mode {
	case protocol.ModeFast:
		res, err = s.fast(ctx, req)
	case protocol.ModeAgentic:
		res, err = s.agentic(ctx, req)
	case protocol.ModeDeepResearch:
		res, err = s.deepResearch(ctx, req)
	default:
		return Result{}, fmt.Errorf("%w: %q", protocol.ErrUnknownMode, req.Mode)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", req.Mode, err)
	}

	res.Processing.ProcessingTimeMs = s.now().Sub(start).Milliseconds()
	res.Processing.Success = true
	s.logger.Debug("answered", "mode", req.Mode, "method", res.Processing.RetrievalMethod,
		"citations", len(res.Citations), "ms", res.Processing.ProcessingTimeMs)
	return res, nil
}

// Available reports whether the LLM is configured.
func (s *Service) Available() bool { return s.llm != nil }
