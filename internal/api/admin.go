package api

import (
	"net/http"
	"time"

	"github.com/kalambet/finrag/internal/protocol"
)

func handleIndexStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		chunks, err := deps.Vectors.Count(ctx)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count chunks: %v", err)
			return
		}
		breakdown, err := deps.Store.CompanyBreakdown(ctx)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load company breakdown: %v", err)
			return
		}
		files := 0
		for _, n := range breakdown {
			files += n
		}
		writeJSON(w, http.StatusOK, protocol.IndexStats{
			TotalDocuments:   chunks,
			IndexedFiles:     files,
			CompanyBreakdown: breakdown,
		})
	}
}

func handleServiceStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := protocol.ServiceStatus{Status: protocol.StatusSuccess, Timestamp: time.Now().UTC()}

		if deps.OllamaStatus != nil {
			st := deps.OllamaStatus(ctx)
			resp.Services.Ollama = st.Running
			resp.Services.OllamaURL = st.BaseURL
			resp.Services.ChatModel = st.ChatModel.Name
			resp.Services.ChatModelReady = st.ChatModel.Available
			resp.Services.EmbedModel = st.EmbedModel.Name
			resp.Services.EmbedModelReady = st.EmbedModel.Available
			resp.Message = st.Error
		}
		resp.Services.VectorIndex = deps.Vectors.Ping(ctx) == nil
		resp.Services.TrackedIngestions = deps.Registry.Len()

		writeJSON(w, http.StatusOK, resp)
	}
}

func handleEnsureIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Vectors.Ping(r.Context()); err != nil {
			deps.Logger.Error("vector index check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, protocol.AdminResult{
				Status:  protocol.StatusError,
				Message: "Failed to ensure index: " + err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, protocol.AdminResult{
			Status:  protocol.StatusSuccess,
			Message: "Vector index verified",
		})
	}
}
