package ingest

import (
	"errors"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/finrag/internal/protocol"
	"github.com/patrickmn/go-cache"
)

var (
	// ErrSessionActive is returned when a session id is reused while its
	// previous upload is still processing.
	ErrSessionActive = errors.New("processing session already active")

	ErrSessionNotFound = errors.New("processing session not found")
)

// DefaultRetention is how long finished sessions stay readable.
const DefaultRetention = 60 * time.Second

const (
	maxMessages     = 20
	maxMessageChars = 200
	maxBurst        = 5
	statusStarting  = "starting"
)

// Update is what a stream observer has not seen yet.
type Update struct {
	Status  protocol.ProcessingStatus
	New     []protocol.ProgressFrame
	Cursor  int
	Changed <-chan struct{}
}

// Terminal reports whether the session has finished.
func (u Update) Terminal() bool {
	return isTerminal(u.Status.Status)
}

// Queued reports whether the session is still waiting for the worker.
func (u Update) Queued() bool {
	return u.Status.Status == statusStarting
}

type entry struct {
	mu      sync.Mutex
	status  protocol.ProcessingStatus
	total   int // messages ever appended
	changed chan struct{}
}

// notify wakes every waiter. Callers hold e.mu.
func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Registry tracks processing sessions in memory. Finished sessions are kept
// for the retention window so late observers can still read the outcome.
type Registry struct {
	mu        sync.Mutex // serializes entry replacement
	cache     *cache.Cache
	retention time.Duration
	now       func() time.Time
}

// NewRegistry creates a Registry. retention <= 0 uses DefaultRetention.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		// No janitor goroutine: expired items are invisible to Get and are
		// swept on Start.
		cache:     cache.New(cache.NoExpiration, 0),
		retention: retention,
		now:       time.Now,
	}
}

// Start registers a new session.
func (r *Registry) Start(sessionID, filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.DeleteExpired()
	if e, ok := r.lookup(sessionID); ok {
		e.mu.Lock()
		active := !isTerminal(e.status.Status)
		e.mu.Unlock()
		if active {
			return ErrSessionActive
		}
	}
	e := &entry{
		status: protocol.ProcessingStatus{
			SessionID:      sessionID,
			Status:         statusStarting,
			Filename:       filename,
			CurrentMessage: "Upload received",
			Messages:       []protocol.ProgressFrame{},
			UpdatedAt:      r.now().UTC(),
		},
		changed: make(chan struct{}),
	}
	r.cache.Set(sessionID, e, cache.NoExpiration)
	return nil
}

// Progress records one stage update. Unknown or finished sessions are ignored.
func (r *Registry) Progress(sessionID string, stage protocol.StageID, progress int, message string) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	if utf8.RuneCountInString(message) > maxMessageChars {
		message = string([]rune(message)[:maxMessageChars]) + "..."
	}
	now := r.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	if isTerminal(e.status.Status) {
		return
	}
	e.status.Status = protocol.JobProcessing
	e.status.Progress = progress
	e.status.Step = stage.Step()
	e.status.CurrentMessage = message
	e.status.UpdatedAt = now
	e.status.Messages = append(e.status.Messages, protocol.ProgressFrame{
		Type:      protocol.FrameProgress,
		Step:      stage.Step(),
		Progress:  progress,
		Message:   message,
		Timestamp: now.Format(time.RFC3339Nano),
	})
	if n := len(e.status.Messages); n > maxMessages {
		e.status.Messages = slices.Clone(e.status.Messages[n-maxMessages:])
	}
	e.total++
	e.notify()
}

// Complete marks the session completed and starts its retention window.
func (r *Registry) Complete(sessionID string, result protocol.IngestResult) {
	r.finish(sessionID, func(s *protocol.ProcessingStatus) {
		s.Status = protocol.JobCompleted
		s.Progress = 100
		s.CurrentMessage = "Processing completed successfully"
		s.Result = &result
	})
}

// Fail marks the session failed and starts its retention window.
func (r *Registry) Fail(sessionID, errMsg string) {
	r.finish(sessionID, func(s *protocol.ProcessingStatus) {
		s.Status = protocol.JobError
		s.CurrentMessage = errMsg
		s.Error = errMsg
	})
}

func (r *Registry) finish(sessionID string, apply func(*protocol.ProcessingStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookup(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	if isTerminal(e.status.Status) {
		e.mu.Unlock()
		return
	}
	apply(&e.status)
	e.status.UpdatedAt = r.now().UTC()
	e.notify()
	e.mu.Unlock()

	r.cache.Set(sessionID, e, r.retention)
}

// Status returns a copy of the session's current state.
func (r *Registry) Status(sessionID string) (protocol.ProcessingStatus, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return protocol.ProcessingStatus{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyStatus(e.status), nil
}

// Since returns the messages appended after cursor (at most the last few),
// the current status, and a channel closed on the next change.
func (r *Registry) Since(sessionID string, cursor int) (Update, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return Update{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	u := Update{Status: copyStatus(e.status), Cursor: e.total, Changed: e.changed}
	if fresh := e.total - cursor; fresh > 0 {
		msgs := e.status.Messages
		fresh = min(fresh, len(msgs), maxBurst)
		u.New = append([]protocol.ProgressFrame(nil), msgs[len(msgs)-fresh:]...)
	}
	return u, nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.cache.DeleteExpired()
	return r.cache.ItemCount()
}

func (r *Registry) lookup(sessionID string) (*entry, bool) {
	v, ok := r.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func copyStatus(s protocol.ProcessingStatus) protocol.ProcessingStatus {
	s.Messages = slices.Clone(s.Messages)
	return s
}

func isTerminal(status string) bool {
	return status == protocol.JobCompleted || status == protocol.JobError
}
