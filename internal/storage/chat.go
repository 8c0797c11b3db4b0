package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnsureChatSession creates the session row if missing and bumps updated_at.
func (s *Store) EnsureChatSession(ctx context.Context, id, mode string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, mode, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, mode, now, now,
	)
	return err
}

func (s *Store) GetChatSession(ctx context.Context, id string) (ChatSession, error) {
	var cs ChatSession
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, mode, created_at, updated_at FROM chat_sessions WHERE id = ?`, id).
		Scan(&cs.ID, &cs.Mode, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, err
	}
	if cs.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ChatSession{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if cs.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return ChatSession{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return cs, nil
}

// AppendMessage stores m at the end of its session. Seq is assigned here.
func (s *Store) AppendMessage(ctx context.Context, m ChatMessage) (ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?`, m.SessionID).Scan(&m.Seq); err != nil {
		return ChatMessage{}, fmt.Errorf("computing message seq: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, seq, role, content, created_at, citations_json, token_usage_json, processing_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Seq, m.Role, m.Content, m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.CitationsJSON, m.TokenUsageJSON, m.ProcessingJSON,
	)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("inserting message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ChatMessage{}, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

// GetMessages returns a session's messages in conversation order. An unknown
// session yields an empty slice.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, created_at, citations_json, token_usage_json, processing_json
		FROM chat_messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &createdAt,
			&m.CitationsJSON, &m.TokenUsageJSON, &m.ProcessingJSON); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecordUsage stores one token accounting entry.
func (s *Store) RecordUsage(ctx context.Context, u UsageRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (id, session_id, mode, operation, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SessionID, u.Mode, u.Operation, u.Model,
		u.PromptTokens, u.CompletionTokens, u.PromptTokens+u.CompletionTokens,
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// SessionUsage sums the usage recorded for a session. A session without
// records yields a zero summary.
func (s *Store) SessionUsage(ctx context.Context, sessionID string) (UsageSummary, error) {
	sum := UsageSummary{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM token_usage WHERE session_id = ?`, sessionID,
	).Scan(&sum.Requests, &sum.PromptTokens, &sum.CompletionTokens, &sum.TotalTokens)
	return sum, err
}
