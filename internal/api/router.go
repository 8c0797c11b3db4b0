package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/finrag/internal/ingest"
	"github.com/kalambet/finrag/internal/ollama"
	"github.com/kalambet/finrag/internal/rag"
	"github.com/kalambet/finrag/internal/retrieval"
	"github.com/kalambet/finrag/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Answerer runs a RAG workflow. *rag.Service satisfies it.
type Answerer interface {
	Answer(ctx context.Context, req rag.Request) (rag.Result, error)
}

// UploadQueue hands saved uploads to the ingestion worker.
type UploadQueue interface {
	Submit(ctx context.Context, sessionID, filename, path string) error
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store     *storage.Store
	RAG       Answerer
	Vectors   retrieval.VectorStore
	Registry  *ingest.Registry
	Queue     UploadQueue
	Processor ingest.DocumentProcessor // synchronous upload path

	// OllamaStatus probes the model server; nil reports it as not running.
	OllamaStatus func(ctx context.Context) ollama.Status

	UploadDir      string
	MaxUploadBytes int64
	// TokenDelay paces token frames on the chat stream.
	TokenDelay time.Duration
	// StaleAfter ends a progress stream that has seen no update for this long.
	StaleAfter time.Duration
	// StreamTimeout caps the lifetime of one progress stream.
	StreamTimeout time.Duration
	// StatusInterval is how often a progress stream repeats the status frame.
	StatusInterval time.Duration

	Logger *slog.Logger
}

func (d *Deps) defaults() {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 50 << 20
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = 30 * time.Second
	}
	if d.StreamTimeout <= 0 {
		d.StreamTimeout = ingest.DefaultTimeout
	}
	if d.StatusInterval <= 0 {
		d.StatusInterval = 3 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// NewHandler returns the HTTP API: chat streaming, ingestion with progress,
// and the administrative endpoints.
func NewHandler(deps Deps) http.Handler {
	deps.defaults()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Post("/chat", handleChat(deps))
	r.Get("/chat/history/{session_id}", handleHistory(deps))
	r.Get("/chat/usage/{session_id}", handleUsage(deps))

	r.Route("/ingest", func(r chi.Router) {
		r.Post("/upload", handleUploadSync(deps))
		r.Post("/upload-with-progress/{session_id}", handleUploadWithProgress(deps))
		r.Get("/processing-status/{session_id}", handleProcessingStatus(deps))
		r.Get("/processing-stream/{session_id}", handleProcessingStream(deps))
		r.Get("/index-stats", handleIndexStats(deps))
		r.Get("/service-status", handleServiceStatus(deps))
		r.Post("/ensure-index", handleEnsureIndex(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
