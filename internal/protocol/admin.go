package protocol

import "time"

// IndexStats summarizes the vector index.
type IndexStats struct {
	TotalDocuments   int            `json:"total_documents"` // indexed chunks
	IndexedFiles     int            `json:"indexed_files"`
	CompanyBreakdown map[string]int `json:"company_breakdown"`
}

// ServiceChecks reports the health of each backing service.
type ServiceChecks struct {
	Ollama            bool   `json:"ollama"`
	OllamaURL         string `json:"ollama_url"`
	ChatModel         string `json:"chat_model"`
	ChatModelReady    bool   `json:"chat_model_available"`
	EmbedModel        string `json:"embed_model"`
	EmbedModelReady   bool   `json:"embed_model_available"`
	VectorIndex       bool   `json:"vector_index"`
	TrackedIngestions int    `json:"tracked_ingestions"`
}

// ServiceStatus is the body of the service status endpoint.
type ServiceStatus struct {
	Status    string        `json:"status"`
	Services  ServiceChecks `json:"services"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// AdminResult is the body of administrative actions.
type AdminResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)
