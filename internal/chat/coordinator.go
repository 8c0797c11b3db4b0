// Package chat drives a single query turn over the chat event stream and
// reconciles streamed output into the session's turn history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/session"
	"github.com/kalambet/finrag/internal/sse"
)

// ErrEmptyQuery is returned for blank input.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrIncompleteStream is wrapped by transport failures where the channel
// closed without a done or error event.
var ErrIncompleteStream = errors.New("stream closed before the response completed")

// Transport opens the chat event stream for one request and dispatches frames
// to h until the stream ends. Handlers run sequentially.
type Transport interface {
	Stream(ctx context.Context, req protocol.ChatRequest, h sse.Handlers) error
}

// StreamError describes how a turn failed.
type StreamError struct {
	Kind    protocol.ErrorKind
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat %s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("chat %s error: %s", e.Kind, e.Message)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Observer is notified after each event has been applied to the session.
type Observer func(ev protocol.ChatEvent, s *session.Session)

// Coordinator executes chat turns.
type Coordinator struct {
	transport Transport
	sessions  *session.Manager
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

func New(transport Transport, sessions *session.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: transport,
		sessions:  sessions,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// turn is the per-call stream state. It is only touched from handler
// callbacks, which the transport runs one at a time.
type turn struct {
	sess      *session.Session
	assistant int
	content   strings.Builder
	terminal  bool
	failure   *StreamError
}

// SendMessage runs one query turn in the given mode and session. It always
// leaves the session with a terminal user turn and exactly one terminal
// assistant turn, including on failure, in which case the returned error is
// a *StreamError.
func (c *Coordinator) SendMessage(ctx context.Context, content string, mode protocol.Mode, sessionID string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyQuery
	}

	sess, err := c.sessions.Use(ctx, mode, sessionID)
	if err != nil {
		return err
	}
	if err := sess.BeginTurn(); err != nil {
		return err
	}
	defer sess.EndTurn()

	sess.ClearAnnotations()
	sess.Append(session.Turn{
		Role:      protocol.RoleUser,
		Content:   content,
		Timestamp: c.now(),
		Terminal:  true,
	})

	t := &turn{sess: sess, assistant: -1}
	req := protocol.ChatRequest{Prompt: content, Mode: mode, SessionID: sess.ID()}

	streamErr := c.transport.Stream(ctx, req, sse.Handlers{
		OnOpen: func() {
			c.logger.Debug("chat stream open", "session_id", sess.ID())
		},
		OnMessage: func(ev sse.Event) bool {
			return c.handleFrame(t, ev.Data)
		},
		OnError: func(err error, state sse.State) {
			if state == sse.Connecting {
				c.logger.Debug("chat stream reconnecting", "session_id", sess.ID(), "error", err)
			}
		},
	})

	if !t.terminal {
		msg := "Connection to the server was lost before the response completed."
		if streamErr == nil {
			streamErr = ErrIncompleteStream
		} else if !errors.Is(streamErr, context.Canceled) {
			streamErr = fmt.Errorf("%w: %w", ErrIncompleteStream, streamErr)
		}
		c.fail(t, &StreamError{Kind: protocol.ErrorTransport, Message: msg, Err: streamErr}, true)
	}

	if t.failure != nil {
		return t.failure
	}
	return nil
}

// handleFrame applies one raw frame and reports whether the stream should
// continue.
func (c *Coordinator) handleFrame(t *turn, data []byte) bool {
	if t.terminal {
		return false
	}

	events, err := protocol.DecodeChatFrame(data)
	if err != nil {
		c.logger.Warn("skipping malformed chat frame", "session_id", t.sess.ID(), "error", err)
		return true
	}

	for _, ev := range events {
		c.apply(t, ev)
		if c.observer != nil {
			c.observer(ev, t.sess)
		}
		if t.terminal {
			return false
		}
	}
	return true
}

func (c *Coordinator) apply(t *turn, ev protocol.ChatEvent) {
	switch ev.Kind {
	case protocol.ChatToken:
		t.content.WriteString(ev.Token)
		if t.assistant < 0 {
			t.assistant = t.sess.Append(session.Turn{
				Role:      protocol.RoleAssistant,
				Content:   t.content.String(),
				Timestamp: c.now(),
			})
			return
		}
		if err := t.sess.SetContent(t.assistant, t.content.String()); err != nil {
			c.logger.Warn("dropping token for finalized turn", "session_id", t.sess.ID(), "error", err)
		}
	case protocol.ChatCitations:
		t.sess.SetCitations(ev.Citations)
	case protocol.ChatRewrites:
		t.sess.SetRewrites(ev.Rewrites)
	case protocol.ChatUsage:
		t.sess.SetUsage(ev.Usage)
	case protocol.ChatMetadata:
		t.sess.SetProcessing(ev.Processing)
	case protocol.ChatSession:
		if ev.SessionID != t.sess.ID() {
			c.logger.Warn("server echoed a different session", "session_id", t.sess.ID(), "server_session_id", ev.SessionID)
		}
	case protocol.ChatError:
		c.fail(t, &StreamError{Kind: protocol.ErrorBusiness, Message: ev.Error}, false)
	case protocol.ChatDone:
		if t.assistant < 0 {
			t.assistant = t.sess.Append(session.Turn{Role: protocol.RoleAssistant, Timestamp: c.now()})
		}
		t.sess.Finalize(t.assistant)
		t.terminal = true
	}
}

// fail moves the turn to its terminal error state. Transport failures keep
// any streamed text and append the error note; business errors replace it.
func (c *Coordinator) fail(t *turn, e *StreamError, keepPartial bool) {
	text := "Error: " + e.Message
	if keepPartial && t.content.Len() > 0 {
		text = t.content.String() + "\n\n" + text
	}

	if t.assistant < 0 {
		t.assistant = t.sess.Append(session.Turn{
			Role:      protocol.RoleAssistant,
			Content:   text,
			Timestamp: c.now(),
			Terminal:  true,
		})
	} else {
		if err := t.sess.SetContent(t.assistant, text); err != nil {
			c.logger.Warn("could not record error on turn", "session_id", t.sess.ID(), "error", err)
		}
		t.sess.Finalize(t.assistant)
	}

	c.logger.Warn("chat turn failed", "session_id", t.sess.ID(), "kind", e.Kind.String(), "error", e.Message)
	t.failure = e
	t.terminal = true
}
