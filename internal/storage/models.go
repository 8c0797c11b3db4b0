package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type ChatSession struct {
	ID        string
	Mode      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatMessage struct {
	ID             string
	SessionID      string
	Seq            int
	Role           string
	Content        string
	CreatedAt      time.Time
	CitationsJSON  string // JSON array stored as text, empty when absent
	TokenUsageJSON string
	ProcessingJSON string
}

type UsageRecord struct {
	ID               string
	SessionID        string
	Mode             string
	Operation        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}

// UsageSummary aggregates UsageRecords for one session.
type UsageSummary struct {
	SessionID        string
	Requests         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Document struct {
	ID               string
	Filename         string
	Company          string
	DocumentType     string
	Year             string
	CredibilityScore float64
	ChunkCount       int
	MetadataJSON     string
	CreatedAt        time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
