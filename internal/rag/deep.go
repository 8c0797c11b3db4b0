package rag

import (
	"context"
	"fmt"
)

// deepResearch runs the agentic workflow and then cross-checks the question
// against an independent search, appending those hits as verification
// citations.
func (s *Service) deepResearch(ctx context.Context, req Request) (Result, error) {
	res, err := s.agentic(ctx, req)
	if err != nil {
		return Result{}, err
	}

	extra, err := s.search.Retrieve(ctx, req.Prompt, verificationDocs, filterFor(req))
	if err != nil {
		return Result{}, fmt.Errorf("verification search: %w", err)
	}
	res.Citations = append(res.Citations, citations(extra, len(res.Citations), verificationChars, true)...)

	level := req.VerificationLevel
	if level == "" {
		level = defaultVerifyLevel
	}
	res.Answer += fmt.Sprintf("\n\n*This response has been enhanced with %s verification using additional sources.*", level)
	res.Processing.RetrievalMethod = MethodDeepResearch
	return res, nil
}
