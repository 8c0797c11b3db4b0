package rag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/retrieval"
)

// citations converts chunks to citations numbered from offset+1 with content
// clipped to limit runes.
func citations(chunks []retrieval.Chunk, offset, limit int, verification bool) []protocol.Citation {
	out := make([]protocol.Citation, 0, len(chunks))
	for i, ch := range chunks {
		n := offset + i + 1
		title := ch.Title
		if title == "" {
			if verification {
				title = fmt.Sprintf("Verification Document %d", i+1)
			} else {
				title = fmt.Sprintf("Document %d", n)
			}
		}
		score := float64(ch.Score)
		out = append(out, protocol.Citation{
			ID:           strconv.Itoa(n),
			Title:        title,
			Content:      clip(ch.Text, limit),
			Source:       source(ch),
			Score:        &score,
			Verification: verification,
		})
	}
	return out
}

func source(ch retrieval.Chunk) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{ch.Company, ch.DocumentType} {
		if p != "" && p != "Unknown" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ch.Title
	}
	return strings.Join(parts, " ")
}

func clip(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func filterFor(req Request) retrieval.Filter {
	return retrieval.Filter{Company: req.Company}
}
