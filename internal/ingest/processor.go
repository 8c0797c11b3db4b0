// Package ingest runs uploaded documents through the seven-stage ingestion
// pipeline and keeps per-session progress for the streaming endpoints.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/finrag/internal/document"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/retrieval"
	"github.com/kalambet/finrag/internal/storage"
)

const embedBatchSize = 5

// Reporter receives stage progress. Implementations must not block.
type Reporter func(stage protocol.StageID, progress int, message string)

// BatchEmbedder generates embeddings for a batch of texts, order preserved.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorInserter inserts chunk records into the vector index.
type VectorInserter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
}

// DocumentStore persists the document record once its chunks are indexed.
type DocumentStore interface {
	SaveDocument(ctx context.Context, d storage.Document) error
}

// StageError is a processing failure attributed to one stage.
type StageError struct {
	Stage protocol.StageID
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Processor runs the ingestion pipeline for one document at a time. It is
// safe for concurrent use.
type Processor struct {
	embedder  BatchEmbedder
	vectors   VectorInserter
	documents DocumentStore
	chunking  document.ChunkOptions
	logger    *slog.Logger
	now       func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithChunking overrides the chunking parameters.
func WithChunking(opts document.ChunkOptions) ProcessorOption {
	return func(p *Processor) { p.chunking = opts }
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a Processor.
func NewProcessor(embedder BatchEmbedder, vectors VectorInserter, documents DocumentStore, opts ...ProcessorOption) *Processor {
	p := &Processor{
		embedder:  embedder,
		vectors:   vectors,
		documents: documents,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process validates, extracts, classifies, chunks, embeds and indexes one
// document. Progress is reported in stage order; failures come back as
// *StageError naming the stage that failed.
func (p *Processor) Process(ctx context.Context, filename string, data []byte, report Reporter) (protocol.IngestResult, error) {
	if report == nil {
		report = func(protocol.StageID, int, string) {}
	}
	start := p.now()

	report(protocol.StageValidation, 5, fmt.Sprintf("Validating file: %s", filename))
	if _, err := document.FormatOf(filename); err != nil {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageValidation, Err: err}
	}
	if len(data) == 0 {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageValidation, Err: document.ErrEmptyDocument}
	}

	report(protocol.StageExtraction, 10, "Extracting text content...")
	doc, err := document.Extract(filename, data)
	if err != nil {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageExtraction, Err: err}
	}
	report(protocol.StageExtraction, 25, fmt.Sprintf("Extracted %d characters", len(doc.Text)))
	if err := ctx.Err(); err != nil {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageExtraction, Err: err}
	}

	report(protocol.StageMetadata, 30, "Analyzing document metadata...")
	meta := document.DetectMetadata(filename, doc.Text)
	report(protocol.StageMetadata, 35, fmt.Sprintf("Identified: %s - %s (%s)", meta.Company, meta.DocumentType, meta.Year))

	report(protocol.StageAssessment, 40, "Assessing document credibility...")
	credibility := document.Credibility(doc)
	report(protocol.StageAssessment, 45, fmt.Sprintf("Credibility score: %.2f", credibility))

	report(protocol.StageChunking, 50, "Splitting document into chunks...")
	chunks := document.Split(doc.Text, p.chunking)
	if len(chunks) == 0 {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageChunking, Err: fmt.Errorf("document produced no chunks")}
	}
	report(protocol.StageChunking, 60, fmt.Sprintf("Created %d chunks", len(chunks)))

	report(protocol.StageEmbeddings, 70, "Generating embeddings...")
	vectors, err := p.embed(ctx, chunks, report)
	if err != nil {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageEmbeddings, Err: err}
	}
	report(protocol.StageEmbeddings, 80, fmt.Sprintf("Generated %d embeddings", len(vectors)))

	report(protocol.StageIndexing, 85, "Storing in vector index...")
	docID := uuid.New().String()
	title := fmt.Sprintf("%s %s %s", meta.Company, meta.DocumentType, meta.Year)
	created := p.now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, text := range chunks {
		records[i] = retrieval.Record{
			ID:           uuid.New().String(),
			DocumentID:   docID,
			Company:      meta.Company,
			DocumentType: meta.DocumentType,
			Title:        title,
			ChunkIndex:   i,
			TextChunk:    text,
			Embedding:    vectors[i],
			CreatedAt:    created,
		}
	}
	if err := p.vectors.Insert(ctx, records); err != nil {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageIndexing, Err: fmt.Errorf("inserting vectors: %w", err)}
	}

	metadata := map[string]any{
		"document_id": docID,
		"filename":    filename,
		"year":        meta.Year,
		"pages":       doc.Pages,
		"characters":  len(doc.Text),
		"format":      string(doc.Format),
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageIndexing, Err: err}
	}
	err = p.documents.SaveDocument(ctx, storage.Document{
		ID:               docID,
		Filename:         filename,
		Company:          meta.Company,
		DocumentType:     meta.DocumentType,
		Year:             meta.Year,
		CredibilityScore: credibility,
		ChunkCount:       len(chunks),
		MetadataJSON:     string(metaJSON),
		CreatedAt:        created,
	})
	if err != nil {
		return protocol.IngestResult{}, &StageError{Stage: protocol.StageIndexing, Err: fmt.Errorf("saving document: %w", err)}
	}
	report(protocol.StageIndexing, 95, fmt.Sprintf("Indexed %d chunks", len(chunks)))

	elapsed := p.now().Sub(start).Seconds()
	p.logger.Info("document ingested", "filename", filename, "document_id", docID, "chunks", len(chunks), "company", meta.Company)

	return protocol.IngestResult{
		ChunksCreated:    len(chunks),
		Company:          meta.Company,
		DocumentType:     meta.DocumentType,
		ProcessingTime:   elapsed,
		CredibilityScore: credibility,
		Metadata:         metadata,
	}, nil
}

// embed runs batches sequentially so progress can be reported between them.
func (p *Processor) embed(ctx context.Context, chunks []string, report Reporter) ([][]float32, error) {
	total := (len(chunks) + embedBatchSize - 1) / embedBatchSize
	out := make([][]float32, 0, len(chunks))
	for b := 0; b < total; b++ {
		lo := b * embedBatchSize
		hi := min(lo+embedBatchSize, len(chunks))

		report(protocol.StageEmbeddings, 70+b*10/total, fmt.Sprintf("Processing batch %d/%d", b+1, total))
		vecs, err := p.embedder.EmbedBatch(ctx, chunks[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("batch %d/%d: %w", b+1, total, err)
		}
		if len(vecs) != hi-lo {
			return nil, fmt.Errorf("batch %d/%d: got %d embeddings for %d chunks", b+1, total, len(vecs), hi-lo)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
