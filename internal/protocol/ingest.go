package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StageID names one step of the document ingestion pipeline.
type StageID string

const (
	StageValidation StageID = "validation"
	StageExtraction StageID = "extraction"
	StageMetadata   StageID = "metadata"
	StageAssessment StageID = "assessment"
	StageChunking   StageID = "chunking"
	StageEmbeddings StageID = "embeddings"
	StageIndexing   StageID = "indexing"
)

// CanonicalStages is the fixed pipeline order.
var CanonicalStages = []StageID{
	StageValidation,
	StageExtraction,
	StageMetadata,
	StageAssessment,
	StageChunking,
	StageEmbeddings,
	StageIndexing,
}

// StageFromStep maps a wire step tag onto a stage id. The mapping is total:
// tags outside the canonical set are kept, lower-cased.
func StageFromStep(step string) StageID {
	return StageID(strings.ToLower(strings.TrimSpace(step)))
}

// Step returns the upper-case tag servers put on the wire.
func (s StageID) Step() string {
	return strings.ToUpper(string(s))
}

// Index returns the position of s in the canonical order, or -1.
func (s StageID) Index() int {
	for i, c := range CanonicalStages {
		if c == s {
			return i
		}
	}
	return -1
}

// StageStatus is the lifecycle state of a single stage.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageError      StageStatus = "error"
)

// Stage is the observed state of one pipeline step.
type Stage struct {
	ID       StageID     `json:"id"`
	Status   StageStatus `json:"status"`
	Progress int         `json:"progress"`
	Message  string      `json:"message,omitempty"`
}

// NewStages returns the canonical stages, all pending.
func NewStages() []Stage {
	stages := make([]Stage, len(CanonicalStages))
	for i, id := range CanonicalStages {
		stages[i] = Stage{ID: id, Status: StagePending}
	}
	return stages
}

// IngestResult describes a successfully processed document.
type IngestResult struct {
	ChunksCreated    int            `json:"chunks_created"`
	Company          string         `json:"company"`
	DocumentType     string         `json:"document_type"`
	ProcessingTime   float64        `json:"processing_time"`
	CredibilityScore float64        `json:"credibility_score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// UploadResponse is returned by the synchronous upload endpoint.
type UploadResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
	IngestResult
}

// UploadAck acknowledges an asynchronous upload.
type UploadAck struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	Message   string `json:"message"`
}

// Job status values carried by status frames.
const (
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobError      = "error"
)

// Ingestion frame type tags.
const (
	FrameConnected = "connected"
	FrameProgress  = "progress"
	FrameStatus    = "status"
	FrameTimeout   = "timeout"
)

// ProgressFrame is one JSON object on the ingestion progress stream.
type ProgressFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Step      string        `json:"step,omitempty"`
	Progress  int           `json:"progress,omitempty"`
	Message   string        `json:"message,omitempty"`
	Status    string        `json:"status,omitempty"`
	Filename  string        `json:"filename,omitempty"`
	Result    *IngestResult `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
}

// ProcessingStatus is the snapshot returned by the processing status endpoint.
type ProcessingStatus struct {
	SessionID      string          `json:"session_id"`
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	Filename       string          `json:"filename"`
	CurrentMessage string          `json:"current_message"`
	Step           string          `json:"step"`
	Messages       []ProgressFrame `json:"messages"`
	Result         *IngestResult   `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IngestEventKind discriminates decoded ingestion frames.
type IngestEventKind int

const (
	IngestConnected IngestEventKind = iota
	IngestProgress
	IngestStatus
	IngestCompleted
	IngestFailed
	IngestTimeout
	IngestError
)

func (k IngestEventKind) String() string {
	switch k {
	case IngestConnected:
		return "connected"
	case IngestProgress:
		return "progress"
	case IngestStatus:
		return "status"
	case IngestCompleted:
		return "completed"
	case IngestFailed:
		return "failed"
	case IngestTimeout:
		return "timeout"
	case IngestError:
		return "error"
	default:
		return fmt.Sprintf("IngestEventKind(%d)", int(k))
	}
}

// Terminal reports whether the event ends the job.
func (k IngestEventKind) Terminal() bool {
	return k == IngestCompleted || k == IngestFailed || k == IngestTimeout || k == IngestError
}

// IngestEvent is a decoded ingestion frame.
type IngestEvent struct {
	Kind     IngestEventKind
	Stage    StageID
	Progress int
	Message  string
	Result   *IngestResult
	Error    string
}

// DecodeIngestFrame parses one progress stream frame. Status frames that are
// neither completed nor error decode as IngestStatus and carry no transition.
func DecodeIngestFrame(data []byte) (IngestEvent, error) {
	var f ProgressFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return IngestEvent{}, fmt.Errorf("decoding progress frame: %w", err)
	}

	switch f.Type {
	case FrameConnected:
		return IngestEvent{Kind: IngestConnected, Message: f.Message}, nil
	case FrameProgress:
		if f.Step == "" {
			return IngestEvent{}, fmt.Errorf("progress frame without step")
		}
		return IngestEvent{
			Kind:     IngestProgress,
			Stage:    StageFromStep(f.Step),
			Progress: clampProgress(f.Progress),
			Message:  f.Message,
		}, nil
	case FrameStatus:
		switch strings.ToLower(f.Status) {
		case JobCompleted:
			return IngestEvent{Kind: IngestCompleted, Result: f.Result, Message: f.Message}, nil
		case JobError, "failed":
			return IngestEvent{Kind: IngestFailed, Error: firstNonEmpty(f.Error, f.Message, "processing failed")}, nil
		default:
			return IngestEvent{Kind: IngestStatus, Progress: clampProgress(f.Progress), Message: f.Message}, nil
		}
	case FrameTimeout:
		return IngestEvent{Kind: IngestTimeout, Message: f.Message}, nil
	case FrameError:
		return IngestEvent{Kind: IngestError, Error: firstNonEmpty(f.Error, f.Message, "stream error")}, nil
	default:
		return IngestEvent{}, fmt.Errorf("unknown progress frame type %q", f.Type)
	}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
