// Package protocol defines the wire frames exchanged over the chat and
// ingestion event streams and decodes them into discriminated events.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownMode is returned when a workflow mode name is not recognized.
var ErrUnknownMode = errors.New("unknown mode")

// Mode selects which RAG workflow executes a chat turn.
type Mode string

const (
	ModeFast         Mode = "fast-rag"
	ModeAgentic      Mode = "agentic-rag"
	ModeDeepResearch Mode = "deep-research-rag"
)

// Modes lists every supported workflow in presentation order.
var Modes = []Mode{ModeFast, ModeAgentic, ModeDeepResearch}

// ParseMode validates s as a workflow mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Citation is a source excerpt supporting an assistant turn.
type Citation struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Source       string   `json:"source"`
	URL          string   `json:"url,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	Verification bool     `json:"verification,omitempty"`
}

// TokenUsage is the token accounting for one assistant turn.
// TotalTokens always equals PromptTokens + CompletionTokens.
type TokenUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model,omitempty"`
	Error            string `json:"error,omitempty"`
}

// NewTokenUsage builds a TokenUsage with a consistent total.
func NewTokenUsage(prompt, completion int, model string) TokenUsage {
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Model:            model,
	}
}

// Normalize recomputes TotalTokens from its parts.
func (u TokenUsage) Normalize() TokenUsage {
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// ProcessingMetadata describes how a chat turn was produced.
type ProcessingMetadata struct {
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	RetrievalMethod  string `json:"retrieval_method"`
	Success          bool   `json:"success"`
}

// ChatRequest is the body of the chat streaming endpoint.
type ChatRequest struct {
	Prompt            string `json:"prompt"`
	Mode              Mode   `json:"mode"`
	SessionID         string `json:"session_id"`
	VerificationLevel string `json:"verification_level,omitempty"`
}

// HistoryMessage is one persisted turn as returned by the history endpoint.
type HistoryMessage struct {
	Role               Role                `json:"role"`
	Content            string              `json:"content"`
	Timestamp          time.Time           `json:"timestamp"`
	Citations          []Citation          `json:"citations,omitempty"`
	TokenUsage         *TokenUsage         `json:"token_usage,omitempty"`
	ProcessingMetadata *ProcessingMetadata `json:"processing_metadata,omitempty"`
}

// HistoryResponse is the body of the history endpoint.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// SessionUsage aggregates token accounting across a session.
type SessionUsage struct {
	SessionID        string `json:"session_id"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Chat frame type tags.
const (
	FrameToken     = "token"
	FrameCitations = "citations"
	FrameRewrites  = "query_rewrites"
	FrameUsage     = "token_usage"
	FrameMetadata  = "metadata"
	FrameError     = "error"
	FrameDone      = "done"
)

// ChatFrame is the loosely typed JSON object carried by one chat stream
// frame. Servers in this module always set Type; decoding tolerates frames
// that only carry a payload key.
type ChatFrame struct {
	Type       string              `json:"type,omitempty"`
	Token      string              `json:"token,omitempty"`
	Index      *int                `json:"index,omitempty"`
	Citations  []Citation          `json:"citations,omitempty"`
	Rewrites   []string            `json:"rewrites,omitempty"`
	Usage      *TokenUsage         `json:"usage,omitempty"`
	TokenUsage *TokenUsage         `json:"token_usage,omitempty"`
	Processing *ProcessingMetadata `json:"processing,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
	Mode       Mode                `json:"mode,omitempty"`
	Timestamp  string              `json:"timestamp,omitempty"`
	Error      string              `json:"error,omitempty"`
	Done       bool                `json:"done,omitempty"`
}

func TokenFrame(token string, index int) ChatFrame {
	return ChatFrame{Type: FrameToken, Token: token, Index: &index}
}

func CitationsFrame(c []Citation) ChatFrame {
	return ChatFrame{Type: FrameCitations, Citations: c}
}

func RewritesFrame(r []string) ChatFrame {
	return ChatFrame{Type: FrameRewrites, Rewrites: r}
}

func UsageFrame(u TokenUsage) ChatFrame {
	u = u.Normalize()
	return ChatFrame{Type: FrameUsage, Usage: &u}
}

func ProcessingFrame(p ProcessingMetadata) ChatFrame {
	return ChatFrame{Type: FrameMetadata, Processing: &p}
}

// SessionFrame opens a chat stream, echoing the session the turn belongs to.
func SessionFrame(sessionID string, mode Mode, at time.Time) ChatFrame {
	return ChatFrame{Type: FrameMetadata, SessionID: sessionID, Mode: mode, Timestamp: at.UTC().Format(time.RFC3339)}
}

func ErrorFrame(msg string) ChatFrame {
	return ChatFrame{Type: FrameError, Error: msg}
}

func DoneFrame(sessionID string) ChatFrame {
	return ChatFrame{Type: FrameDone, Done: true, SessionID: sessionID}
}

// ChatEventKind discriminates decoded chat events.
type ChatEventKind int

const (
	ChatToken ChatEventKind = iota
	ChatCitations
	ChatRewrites
	ChatUsage
	ChatMetadata
	ChatSession
	ChatError
	ChatDone
)

func (k ChatEventKind) String() string {
	switch k {
	case ChatToken:
		return "token"
	case ChatCitations:
		return "citations"
	case ChatRewrites:
		return "query_rewrites"
	case ChatUsage:
		return "token_usage"
	case ChatMetadata:
		return "metadata"
	case ChatSession:
		return "session"
	case ChatError:
		return "error"
	case ChatDone:
		return "done"
	default:
		return fmt.Sprintf("ChatEventKind(%d)", int(k))
	}
}

// ChatEvent is a decoded chat frame. Only the fields relevant to Kind are set.
type ChatEvent struct {
	Kind       ChatEventKind
	Token      string
	Citations  []Citation
	Rewrites   []string
	Usage      TokenUsage
	Processing ProcessingMetadata
	SessionID  string
	Error      string
}

// DecodeChatFrame parses one frame payload into the ordered list of events it
// carries. A frame with an error yields only the error event. Otherwise the
// token comes first, then any typed payload, then done. A frame carrying
// nothing recognizable yields no events.
func DecodeChatFrame(data []byte) ([]ChatEvent, error) {
	var f ChatFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding chat frame: %w", err)
	}

	if f.Error != "" || f.Type == FrameError {
		msg := f.Error
		if msg == "" {
			msg = "unknown server error"
		}
		return []ChatEvent{{Kind: ChatError, Error: msg}}, nil
	}

	var events []ChatEvent
	if f.Token != "" {
		events = append(events, ChatEvent{Kind: ChatToken, Token: f.Token})
	}

	switch {
	case f.Type == FrameCitations || (f.Type == "" && f.Citations != nil):
		events = append(events, ChatEvent{Kind: ChatCitations, Citations: nonNilCitations(f.Citations)})
	case f.Type == FrameRewrites || (f.Type == "" && f.Rewrites != nil):
		events = append(events, ChatEvent{Kind: ChatRewrites, Rewrites: nonNilStrings(f.Rewrites)})
	case f.Type == FrameUsage || (f.Type == "" && f.TokenUsage != nil):
		u := f.Usage
		if u == nil {
			u = f.TokenUsage
		}
		if u != nil {
			events = append(events, ChatEvent{Kind: ChatUsage, Usage: u.Normalize()})
		}
	case f.Type == FrameMetadata:
		if f.Processing != nil {
			events = append(events, ChatEvent{Kind: ChatMetadata, Processing: *f.Processing})
		} else if f.SessionID != "" {
			events = append(events, ChatEvent{Kind: ChatSession, SessionID: f.SessionID})
		}
	}

	if f.Done || f.Type == FrameDone {
		events = append(events, ChatEvent{Kind: ChatDone, SessionID: f.SessionID})
	}
	return events, nil
}

func nonNilCitations(c []Citation) []Citation {
	if c == nil {
		return []Citation{}
	}
	return c
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ErrorKind classifies how a stream ended in failure.
type ErrorKind int

const (
	// ErrorTransport means the channel failed or closed before a terminal event.
	ErrorTransport ErrorKind = iota + 1
	// ErrorBusiness means the server reported an explicit failure.
	ErrorBusiness
	// ErrorTimeout means no terminal event arrived within the allowed window.
	ErrorTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTransport:
		return "transport"
	case ErrorBusiness:
		return "business"
	case ErrorTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
