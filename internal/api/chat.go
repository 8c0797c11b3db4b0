package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/finrag/internal/ollama"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/rag"
	"github.com/kalambet/finrag/internal/sse"
	"github.com/kalambet/finrag/internal/storage"
)

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req protocol.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.Prompt = strings.TrimSpace(req.Prompt)
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		mode := protocol.ModeFast
		if req.Mode != "" {
			m, err := protocol.ParseMode(string(req.Mode))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			mode = m
		}
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		ctx := r.Context()
		if err := deps.Store.EnsureChatSession(ctx, sessionID, string(mode)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to open session: %v", err)
			return
		}
		prior, err := deps.Store.GetMessages(ctx, sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}
		if _, err := deps.Store.AppendMessage(ctx, storage.ChatMessage{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Role:      string(protocol.RoleUser),
			Content:   req.Prompt,
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save message: %v", err)
			return
		}

		stream, err := sse.NewWriter(w)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		logger := deps.Logger.With("session_id", sessionID, "mode", mode)

		if err := stream.Send(protocol.SessionFrame(sessionID, mode, time.Now())); err != nil {
			return
		}

		res, err := deps.RAG.Answer(ctx, rag.Request{
			Prompt:            req.Prompt,
			Mode:              mode,
			VerificationLevel: req.VerificationLevel,
			History:           toLLMHistory(prior),
		})
		if err != nil {
			logger.Warn("chat workflow failed", "error", err)
			msg := workflowErrorMessage(err)
			stream.Send(protocol.ErrorFrame(msg))

			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := deps.Store.AppendMessage(saveCtx, storage.ChatMessage{
				ID:        uuid.New().String(),
				SessionID: sessionID,
				Role:      string(protocol.RoleAssistant),
				Content:   "Error: " + msg,
			}); err != nil {
				logger.Error("failed to persist error turn", "error", err)
			}
			return
		}

		if err := streamAnswer(ctx, stream, res, deps.TokenDelay); err != nil {
			logger.Debug("chat stream aborted", "error", err)
			return
		}
		if err := stream.Send(protocol.DoneFrame(sessionID)); err != nil {
			return
		}

		// The client already has the answer; persisting must not depend on
		// the connection staying open.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := saveAssistantTurn(saveCtx, deps.Store, sessionID, mode, res); err != nil {
			logger.Error("failed to persist assistant turn", "error", err)
		}
	}
}

// streamAnswer writes the answer frames in canonical order: tokens,
// citations, rewrites, usage, processing metadata.
func streamAnswer(ctx context.Context, stream *sse.Writer, res rag.Result, delay time.Duration) error {
	for i, tok := range answerTokens(res.Answer) {
		if err := stream.Send(protocol.TokenFrame(tok, i)); err != nil {
			return err
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if len(res.Citations) > 0 {
		if err := stream.Send(protocol.CitationsFrame(res.Citations)); err != nil {
			return err
		}
	}
	if len(res.Rewrites) > 0 {
		if err := stream.Send(protocol.RewritesFrame(res.Rewrites)); err != nil {
			return err
		}
	}
	if res.Usage != nil {
		if err := stream.Send(protocol.UsageFrame(*res.Usage)); err != nil {
			return err
		}
	}
	return stream.Send(protocol.ProcessingFrame(res.Processing))
}

// answerTokens splits answer into words, each carrying the whitespace that
// follows it, so the tokens concatenate back to answer exactly.
func answerTokens(answer string) []string {
	var tokens []string
	start := 0
	inSpace := false
	for i, r := range answer {
		space := unicode.IsSpace(r)
		if !space && inSpace && start < i && strings.TrimSpace(answer[start:i]) != "" {
			tokens = append(tokens, answer[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(answer) {
		tokens = append(tokens, answer[start:])
	}
	return tokens
}

func workflowErrorMessage(err error) string {
	if errors.Is(err, rag.ErrEmptyPrompt) {
		return "Prompt is empty"
	}
	return "Failed to generate answer: " + err.Error()
}

func saveAssistantTurn(ctx context.Context, store *storage.Store, sessionID string, mode protocol.Mode, res rag.Result) error {
	msg := storage.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      string(protocol.RoleAssistant),
		Content:   res.Answer,
	}
	if len(res.Citations) > 0 {
		b, err := json.Marshal(res.Citations)
		if err != nil {
			return err
		}
		msg.CitationsJSON = string(b)
	}
	if res.Usage != nil {
		b, err := json.Marshal(res.Usage.Normalize())
		if err != nil {
			return err
		}
		msg.TokenUsageJSON = string(b)
	}
	b, err := json.Marshal(res.Processing)
	if err != nil {
		return err
	}
	msg.ProcessingJSON = string(b)

	if _, err := store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	if res.Usage == nil {
		return nil
	}
	return store.RecordUsage(ctx, storage.UsageRecord{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		Mode:             string(mode),
		Operation:        "chat",
		Model:            res.Usage.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
	})
}

func toLLMHistory(msgs []storage.ChatMessage) []ollama.Message {
	out := make([]ollama.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ollama.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")

		msgs, err := deps.Store.GetMessages(r.Context(), sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}

		resp := protocol.HistoryResponse{Messages: make([]protocol.HistoryMessage, 0, len(msgs))}
		for _, m := range msgs {
			hm, err := historyMessage(m)
			if err != nil {
				deps.Logger.Warn("skipping unreadable history message", "session_id", sessionID, "message_id", m.ID, "error", err)
				continue
			}
			resp.Messages = append(resp.Messages, hm)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func historyMessage(m storage.ChatMessage) (protocol.HistoryMessage, error) {
	hm := protocol.HistoryMessage{
		Role:      protocol.Role(m.Role),
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
	if m.CitationsJSON != "" {
		if err := json.Unmarshal([]byte(m.CitationsJSON), &hm.Citations); err != nil {
			return hm, err
		}
	}
	if m.TokenUsageJSON != "" {
		var u protocol.TokenUsage
		if err := json.Unmarshal([]byte(m.TokenUsageJSON), &u); err != nil {
			return hm, err
		}
		hm.TokenUsage = &u
	}
	if m.ProcessingJSON != "" {
		var p protocol.ProcessingMetadata
		if err := json.Unmarshal([]byte(m.ProcessingJSON), &p); err != nil {
			return hm, err
		}
		hm.ProcessingMetadata = &p
	}
	return hm, nil
}

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")

		sum, err := deps.Store.SessionUsage(r.Context(), sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load usage: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.SessionUsage{
			SessionID:        sum.SessionID,
			Requests:         sum.Requests,
			PromptTokens:     sum.PromptTokens,
			CompletionTokens: sum.CompletionTokens,
			TotalTokens:      sum.TotalTokens,
		})
	}
}
