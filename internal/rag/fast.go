package rag

import (
	"context"
	"strings"

	"github.com/kalambet/finrag/internal/protocol"
)

const (
	fastPreamble      = "Based on the available information:\n\n"
	searchPreamble    = "Based on the search results, here's what I found:\n\n"
	noDocumentsAnswer = "No relevant documents found for your query."
	noContentAnswer   = "I couldn't find specific information to answer your question."
)

// fast cites the top chunks and answers with their excerpts.
func (s *Service) fast(ctx context.Context, req Request) (Result, error) {
	chunks, err := s.search.Retrieve(ctx, req.Prompt, s.topK, filterFor(req))
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Rewrites:   []string{req.Prompt},
		Processing: protocol.ProcessingMetadata{RetrievalMethod: MethodFast},
	}
	if len(chunks) == 0 {
		res.Answer = noDocumentsAnswer
	} else {
		res.Citations = citations(chunks, 0, excerptChars, false)
		res.Answer = extractive(fastPreamble, res.Citations)
	}
	res.Usage = estimatedUsage(req.Prompt, res.Answer)
	return res, nil
}

// extractive joins citation excerpts under preamble.
func extractive(preamble string, cs []protocol.Citation) string {
	var parts []string
	for _, c := range cs {
		if c.Content != "" {
			parts = append(parts, c.Content)
		}
	}
	if len(parts) == 0 {
		return noContentAnswer
	}
	return preamble + strings.Join(parts, "\n\n")
}

// estimatedUsage counts whitespace-separated words when no model reported
// token counts.
func estimatedUsage(prompt, answer string) *protocol.TokenUsage {
	u := protocol.NewTokenUsage(len(strings.Fields(prompt)), len(strings.Fields(answer)), "")
	return &u
}
