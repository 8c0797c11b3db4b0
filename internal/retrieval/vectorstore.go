package retrieval

import (
	"context"
	"time"
)

// VectorStore stores document chunk embeddings and answers similarity
// queries over them.
type VectorStore interface {
	// Insert adds records in a single transaction.
	Insert(ctx context.Context, records []Record) error

	// Search returns the topK records most similar to vector, best first.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredRecord, error)

	// DeleteDocument removes every chunk of a document and returns how many
	// were removed.
	DeleteDocument(ctx context.Context, documentID string) (int, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Ping verifies the backing table is usable.
	Ping(ctx context.Context) error
}

// Filter narrows a search. Zero fields match everything.
type Filter struct {
	Company    string
	DocumentID string
}

// Record is one indexed chunk of a document.
type Record struct {
	ID           string
	DocumentID   string
	Company      string
	DocumentType string
	Title        string
	ChunkIndex   int
	TextChunk    string
	Embedding    []float32
	CreatedAt    time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
