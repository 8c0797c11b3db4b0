package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/storage"
)

// JobType is the queue type of document ingestion jobs.
const JobType = "document_ingest"

// DefaultTimeout bounds the processing of a single document.
const DefaultTimeout = 5 * time.Minute

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// DocumentProcessor runs the ingestion stages for one file.
type DocumentProcessor interface {
	Process(ctx context.Context, filename string, data []byte, report Reporter) (protocol.IngestResult, error)
}

// ProgressSink receives the lifecycle of each processing session.
type ProgressSink interface {
	Progress(sessionID string, stage protocol.StageID, progress int, message string)
	Complete(sessionID string, result protocol.IngestResult)
	Fail(sessionID, errMsg string)
}

// Worker processes document_ingest jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	processor DocumentProcessor
	sink      ProgressSink
	poll      time.Duration
	timeout   time.Duration
	wake      chan struct{}
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms; if timeout is <= 0 it
// defaults to DefaultTimeout.
func NewWorker(store JobStore, processor DocumentProcessor, sink ProgressSink, pollInterval, timeout time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Worker{
		store:     store,
		processor: processor,
		sink:      sink,
		poll:      pollInterval,
		timeout:   timeout,
		wake:      make(chan struct{}, 1),
		logger:    slog.Default(),
	}
}

type ingestPayload struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
}

// Submit queues a saved upload for processing. The job is attempted once: a
// failed ingestion is reported to the session, never retried behind its back.
func (w *Worker) Submit(ctx context.Context, sessionID, filename, path string) error {
	payload, err := json.Marshal(ingestPayload{SessionID: sessionID, Filename: filename, Path: path})
	if err != nil {
		return err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := w.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueueing ingest job: %w", err)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single document_ingest job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ingestPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Path != "" {
		defer func() {
			if err := os.Remove(payload.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				w.logger.Warn("removing upload", "path", payload.Path, "error", err)
			}
		}()
	}

	data, err := os.ReadFile(payload.Path)
	if err != nil {
		err = fmt.Errorf("reading upload: %w", err)
		w.sink.Fail(payload.SessionID, err.Error())
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	report := func(stage protocol.StageID, progress int, message string) {
		w.logger.Debug("ingest progress", "session_id", payload.SessionID, "step", stage.Step(), "progress", progress)
		w.sink.Progress(payload.SessionID, stage, progress, message)
	}
	result, err := w.processor.Process(pctx, payload.Filename, data, report)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || pctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("Processing timeout - operation took longer than %s", w.timeout)
		}
		w.sink.Fail(payload.SessionID, msg)
		return fmt.Errorf("processing %s: %w", payload.Filename, err)
	}

	w.sink.Complete(payload.SessionID, result)
	return nil
}
