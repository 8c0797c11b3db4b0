package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamEnded is reported when the server closes the response body.
var ErrStreamEnded = errors.New("event stream ended")

// State is the connection state of a Source.
type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ResponseError reports a response that cannot carry an event stream.
// It is never retried.
type ResponseError struct {
	StatusCode  int
	ContentType string
	Body        string
}

func (e *ResponseError) Error() string {
	if e.StatusCode != http.StatusOK {
		return fmt.Sprintf("event stream: server returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("event stream: unexpected content type %q", e.ContentType)
}

// Handlers receive callbacks from Source.Run. They are invoked one at a time
// on the goroutine that called Run.
type Handlers struct {
	// OnOpen is called each time a connection is established.
	OnOpen func()
	// OnMessage is called for every event. Returning false closes the source.
	OnMessage func(Event) bool
	// OnError is called with Connecting before an automatic reconnect and
	// with Closed when the source gives up.
	OnError func(err error, state State)
}

// RequestFunc builds the HTTP request for one connection attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Source consumes an event stream over HTTP, optionally reconnecting when the
// connection drops. A Source is single use.
type Source struct {
	client     *http.Client
	newRequest RequestFunc
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger

	state     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Source)

// WithReconnect enables up to maxRetries automatic reconnects, waiting
// backoff*2^n between attempts.
func WithReconnect(maxRetries int, backoff time.Duration) Option {
	return func(s *Source) {
		s.maxRetries = maxRetries
		s.backoff = backoff
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

func NewSource(client *http.Client, newRequest RequestFunc, opts ...Option) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	s := &Source{
		client:     client,
		newRequest: newRequest,
		backoff:    500 * time.Millisecond,
		logger:     slog.Default(),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current connection state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// Close stops the source. It is safe to call more than once and from any
// goroutine.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		close(s.closed)
	})
}

func (s *Source) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// permanentError marks failures that reconnecting cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Run connects and dispatches events until the source is closed, a handler
// stops it, ctx is cancelled, or the connection fails for good. It returns nil
// when the consumer ended the stream and the terminal error otherwise.
func (s *Source) Run(ctx context.Context, h Handlers) error {
	defer s.state.Store(int32(Closed))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; ; attempt++ {
		if s.isClosed() {
			return nil
		}
		s.state.Store(int32(Connecting))

		stopped, err := s.connect(ctx, h)
		if stopped || s.isClosed() {
			s.Close()
			return nil
		}
		if ctx.Err() != nil {
			s.Close()
			return ctx.Err()
		}

		var perm permanentError
		if errors.As(err, &perm) || attempt >= s.maxRetries {
			s.Close()
			if h.OnError != nil {
				h.OnError(err, Closed)
			}
			return err
		}

		s.state.Store(int32(Connecting))
		s.logger.Debug("event stream dropped, reconnecting", "attempt", attempt+1, "error", err)
		if h.OnError != nil {
			h.OnError(err, Connecting)
		}

		wait := time.Duration(float64(s.backoff) * math.Pow(2, float64(attempt)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if s.isClosed() {
				return nil
			}
			s.Close()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Source) connect(ctx context.Context, h Handlers) (stopped bool, err error) {
	req, err := s.newRequest(ctx)
	if err != nil {
		return false, permanentError{fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, permanentError{&ResponseError{StatusCode: resp.StatusCode, Body: string(body)}}
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, _ := mime.ParseMediaType(ct); mt != "text/event-stream" {
		return false, permanentError{&ResponseError{StatusCode: resp.StatusCode, ContentType: ct}}
	}

	s.state.Store(int32(Open))
	if h.OnOpen != nil {
		h.OnOpen()
	}

	rd := NewReader(resp.Body)
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return false, ErrStreamEnded
		}
		if err != nil {
			return false, err
		}
		if s.isClosed() {
			return true, nil
		}
		if h.OnMessage != nil && !h.OnMessage(ev) {
			return true, nil
		}
	}
}
