package retrieval

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Chunk is a retrieved document fragment.
type Chunk struct {
	ID           string
	DocumentID   string
	Company      string
	DocumentType string
	Title        string
	ChunkIndex   int
	Text         string
	Score        float32
}

// Retriever combines embedding and vector search.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds query and returns the topK most similar chunks.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, filter Filter) ([]Chunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	scored, err := r.store.Search(ctx, vec, topK, filter)
	if err != nil {
		return nil, err
	}
	return scoredToChunks(scored), nil
}

// RetrieveMany runs one retrieval per query in parallel and merges the
// results. A chunk found by several queries keeps its best score. The merged
// list is sorted by score and capped at limit when limit > 0.
func (r *Retriever) RetrieveMany(ctx context.Context, queries []string, topK, limit int, filter Filter) ([]Chunk, error) {
	perQuery := make([][]Chunk, len(queries))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, q := range queries {
		g.Go(func() error {
			chunks, err := r.Retrieve(gCtx, q, topK, filter)
			if err != nil {
				return err
			}
			perQuery[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := make(map[string]Chunk)
	for _, chunks := range perQuery {
		for _, c := range chunks {
			if prev, ok := best[c.ID]; !ok || c.Score > prev.Score {
				best[c.ID] = c
			}
		}
	}
	merged := make([]Chunk, 0, len(best))
	for _, c := range best {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func scoredToChunks(scored []ScoredRecord) []Chunk {
	chunks := make([]Chunk, len(scored))
	for i, s := range scored {
		chunks[i] = Chunk{
			ID:           s.ID,
			DocumentID:   s.DocumentID,
			Company:      s.Company,
			DocumentType: s.DocumentType,
			Title:        s.Title,
			ChunkIndex:   s.ChunkIndex,
			Text:         s.TextChunk,
			Score:        s.Score,
		}
	}
	return chunks
}
