// Package pipeline tracks a document ingestion job through its stages by
// consuming the server's progress stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/sse"
)

// DefaultTimeout bounds how long Track waits for a terminal event.
const DefaultTimeout = 10 * time.Minute

var (
	ErrTimeout   = errors.New("ingestion timed out")
	ErrTransport = errors.New("progress stream closed before the job finished")
	ErrFailed    = errors.New("ingestion failed")
)

// ProgressSource subscribes to the progress stream of one ingestion session
// and dispatches frames to h until the stream ends or ctx is cancelled.
// Handlers run sequentially.
type ProgressSource interface {
	Subscribe(ctx context.Context, sessionID string, h sse.Handlers) error
}

// JobError is returned by Track when a job does not complete.
type JobError struct {
	Kind    protocol.ErrorKind
	Stage   protocol.StageID
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("ingestion %s error at %s: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("ingestion %s error: %s", e.Kind, e.Message)
}

func (e *JobError) Unwrap() error { return e.Err }

// Tracker follows ingestion jobs.
type Tracker struct {
	source   ProgressSource
	timeout  time.Duration
	logger   *slog.Logger
	onChange func(Snapshot)
	release  func(sessionID string)
}

type Option func(*Tracker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithObserver registers a callback invoked after every state change.
// Calls are serialized.
func WithObserver(fn func(Snapshot)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// WithRelease registers a callback run exactly once when a job ends, for
// freeing whatever input the job held.
func WithRelease(fn func(sessionID string)) Option {
	return func(t *Tracker) { t.release = fn }
}

func NewTracker(source ProgressSource, opts ...Option) *Tracker {
	t := &Tracker{
		source:  source,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// run is the mutable state of one Track call.
type run struct {
	mu        sync.Mutex
	job       *job
	cancel    context.CancelFunc
	release   func()
	onChange  func(Snapshot)
	closeOnce sync.Once
}

// transition applies ev and closes the stream when the job becomes terminal.
func (r *run) transition(ev protocol.IngestEvent) (terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.job.apply(ev) && r.onChange != nil {
		r.onChange(r.job.snapshot())
	}
	if r.job.state.Terminal() {
		r.close()
		return true
	}
	return false
}

// close cancels the subscription and releases resources, once.
func (r *run) close() {
	r.closeOnce.Do(func() {
		r.cancel()
		if r.release != nil {
			r.release()
		}
	})
}

// Track follows the job for sessionID until it completes, fails or times
// out. All stages start pending. On success it returns the final snapshot and
// a nil error; otherwise the snapshot is still terminal and the error is a
// *JobError wrapping ErrFailed, ErrTimeout or ErrTransport.
func (t *Tracker) Track(ctx context.Context, sessionID string) (Snapshot, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{job: newJob(sessionID), cancel: cancel, onChange: t.onChange}
	if t.release != nil {
		r.release = func() { t.release(sessionID) }
	}
	defer r.close()

	if r.onChange != nil {
		r.onChange(r.job.snapshot())
	}

	stop := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			t.logger.Warn("ingestion watchdog fired", "session_id", sessionID, "after", t.timeout)
			r.transition(protocol.IngestEvent{Kind: protocol.IngestTimeout})
		case <-stop:
		}
	}()

	subErr := t.source.Subscribe(subCtx, sessionID, sse.Handlers{
		OnOpen: func() {
			t.logger.Debug("progress stream open", "session_id", sessionID)
		},
		OnMessage: func(ev sse.Event) bool {
			decoded, err := protocol.DecodeIngestFrame(ev.Data)
			if err != nil {
				t.logger.Warn("skipping malformed progress frame", "session_id", sessionID, "error", err)
				return true
			}
			return !r.transition(decoded)
		},
		OnError: func(err error, state sse.State) {
			if state == sse.Connecting {
				t.logger.Debug("progress stream reconnecting", "session_id", sessionID, "error", err)
			}
		},
	})

	close(stop)
	<-watchdogDone

	r.mu.Lock()
	if !r.job.state.Terminal() {
		msg := "connection to the progress stream was lost"
		if ctx.Err() != nil {
			msg = "tracking cancelled"
		}
		if subErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, subErr)
		}
		r.job.fail(JobFailed, protocol.ErrorTransport, msg)
		if r.onChange != nil {
			r.onChange(r.job.snapshot())
		}
	}
	snap := r.job.snapshot()
	r.mu.Unlock()

	return snap, jobError(snap, subErr)
}

func jobError(s Snapshot, cause error) error {
	if s.State == JobCompleted {
		return nil
	}

	var stage protocol.StageID
	for _, st := range s.Stages {
		if st.Status == protocol.StageError {
			stage = st.ID
			break
		}
	}

	je := &JobError{Kind: s.ErrorKind, Stage: stage, Message: s.Error}
	switch s.ErrorKind {
	case protocol.ErrorTimeout:
		je.Err = ErrTimeout
	case protocol.ErrorTransport:
		if cause != nil {
			je.Err = fmt.Errorf("%w: %w", ErrTransport, cause)
		} else {
			je.Err = ErrTransport
		}
	default:
		je.Err = ErrFailed
	}
	return je
}
