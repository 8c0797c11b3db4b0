package sse

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// scriptedTransport answers each attempt with the next scripted response.
// A body marked hold blocks after its payload until the request is cancelled.
type scriptedTransport struct {
	mu       sync.Mutex
	attempts int
	script   []scriptedResponse
}

type scriptedResponse struct {
	status int
	body   string
	hold   bool
}

func (st *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	st.mu.Lock()
	i := st.attempts
	st.attempts++
	st.mu.Unlock()

	if i >= len(st.script) {
		return nil, errors.New("no more scripted responses")
	}
	sr := st.script[i]
	status := sr.status
	if status == 0 {
		status = http.StatusOK
	}
	var body io.Reader = strings.NewReader(sr.body)
	if sr.hold {
		body = &heldBody{r: body, ctx: req.Context()}
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/event-stream; charset=utf-8"}},
		Body:       io.NopCloser(body),
		Request:    req,
	}, nil
}

func (st *scriptedTransport) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attempts
}

type heldBody struct {
	r   io.Reader
	ctx context.Context
}

func (b *heldBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		<-b.ctx.Done()
		return 0, b.ctx.Err()
	}
	return n, err
}

func newTestSource(st *scriptedTransport, opts ...Option) *Source {
	client := &http.Client{Transport: st}
	return NewSource(client, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, "http://finrag.test/stream", nil)
	}, opts...)
}

func TestSource_DeliversInOrderAndStopsOnHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &scriptedTransport{script: []scriptedResponse{{body: "data: 1\n\ndata: 2\n\ndata: 3\n\n", hold: true}}}
	src := newTestSource(st)

	var got []string
	opened := 0
	err := src.Run(context.Background(), Handlers{
		OnOpen: func() { opened++ },
		OnMessage: func(ev Event) bool {
			got = append(got, string(ev.Data))
			return string(ev.Data) != "2"
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got)
	assert.Equal(t, 1, opened)
	assert.Equal(t, Closed, src.State())
}

func TestSource_ReconnectIsNotFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &scriptedTransport{script: []scriptedResponse{
		{body: "data: a\n\n"},
		{body: "data: b\n\n", hold: true},
	}}
	src := newTestSource(st, WithReconnect(2, time.Millisecond))

	var got []string
	var states []State
	opened := 0
	err := src.Run(context.Background(), Handlers{
		OnOpen: func() { opened++ },
		OnMessage: func(ev Event) bool {
			got = append(got, string(ev.Data))
			return string(ev.Data) != "b"
		},
		OnError: func(err error, state State) {
			assert.ErrorIs(t, err, ErrStreamEnded)
			states = append(states, state)
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, []State{Connecting}, states)
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, st.count())
}

func TestSource_EndWithoutRetryIsClosedError(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &scriptedTransport{script: []scriptedResponse{{body: "data: a\n\n"}}}
	src := newTestSource(st)

	var states []State
	err := src.Run(context.Background(), Handlers{
		OnMessage: func(Event) bool { return true },
		OnError:   func(_ error, state State) { states = append(states, state) },
	})

	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.Equal(t, []State{Closed}, states)
}

func TestSource_BadStatusNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &scriptedTransport{script: []scriptedResponse{
		{status: http.StatusNotFound, body: `{"error":"nope"}`},
		{body: "data: never\n\n"},
	}}
	src := newTestSource(st, WithReconnect(3, time.Millisecond))

	err := src.Run(context.Background(), Handlers{
		OnMessage: func(Event) bool {
			t.Error("unexpected message")
			return true
		},
	})

	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusNotFound, respErr.StatusCode)
	assert.Equal(t, 1, st.count())
}

func TestSource_CloseFromAnotherGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &scriptedTransport{script: []scriptedResponse{{body: "data: x\n\n", hold: true}}}
	src := newTestSource(st)

	var wg sync.WaitGroup
	err := src.Run(context.Background(), Handlers{
		OnMessage: func(Event) bool {
			wg.Add(1)
			go func() {
				defer wg.Done()
				src.Close()
			}()
			return true
		},
		OnError: func(err error, state State) {
			t.Errorf("OnError(%v, %v) after consumer close", err, state)
		},
	})
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, Closed, src.State())
}

func TestSource_ContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &scriptedTransport{script: []scriptedResponse{{body: "data: x\n\n", hold: true}}}
	src := newTestSource(st)

	ctx, cancel := context.WithCancel(context.Background())
	err := src.Run(ctx, Handlers{
		OnMessage: func(Event) bool {
			cancel()
			return true
		},
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestSource_CloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &scriptedTransport{}
	src := newTestSource(st)
	src.Close()
	src.Close()

	require.NoError(t, src.Run(context.Background(), Handlers{}))
	assert.Equal(t, 0, st.count())
}
