package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/finrag/internal/document"
	"github.com/kalambet/finrag/internal/ingest"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/sse"
)

// multipartOverhead is the slack allowed on top of the file size limit for
// form boundaries and headers.
const multipartOverhead = 1 << 20

type uploadError struct {
	code int
	msg  string
}

func (e *uploadError) Error() string { return e.msg }

// readUpload extracts the "file" part of a multipart request and validates
// its name. The caller closes the returned file.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, multipart.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, &uploadError{http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds the %d MB limit", maxBytes>>20)}
		}
		return "", nil, &uploadError{http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err)}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, &uploadError{http.StatusBadRequest, "file is required"}
	}
	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		file.Close()
		return "", nil, &uploadError{http.StatusBadRequest, "no filename provided"}
	}
	if _, err := document.FormatOf(name); err != nil {
		file.Close()
		return "", nil, &uploadError{http.StatusBadRequest, err.Error()}
	}
	if header.Size > maxBytes {
		file.Close()
		return "", nil, &uploadError{http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds the %d MB limit", maxBytes>>20)}
	}
	return name, file, nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	var ue *uploadError
	if errors.As(err, &ue) {
		httpError(w, ue.code, "invalid_request_error", "%s", ue.msg)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "upload failed: %v", err)
}

func handleUploadWithProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")

		filename, file, err := readUpload(w, r, deps.MaxUploadBytes)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		defer file.Close()

		if err := deps.Registry.Start(sessionID, filename); err != nil {
			if errors.Is(err, ingest.ErrSessionActive) {
				httpError(w, http.StatusConflict, "conflict", "session %s is already processing a file", sessionID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start session: %v", err)
			return
		}

		path, err := saveUpload(deps.UploadDir, filename, file)
		if err != nil {
			deps.Registry.Fail(sessionID, "Upload failed: "+err.Error())
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save upload: %v", err)
			return
		}
		if err := deps.Queue.Submit(r.Context(), sessionID, filename, path); err != nil {
			os.Remove(path)
			deps.Registry.Fail(sessionID, "Upload failed: "+err.Error())
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue processing: %v", err)
			return
		}

		deps.Logger.Info("upload accepted", "session_id", sessionID, "filename", filename)
		writeJSON(w, http.StatusOK, protocol.UploadAck{
			SessionID: sessionID,
			Filename:  filename,
			Message:   "Processing started",
		})
	}
}

func saveUpload(dir, filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.New().String()+filepath.Ext(filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func handleUploadSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename, file, err := readUpload(w, r, deps.MaxUploadBytes)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.StreamTimeout)
		defer cancel()
		res, err := deps.Processor.Process(ctx, filename, data, nil)
		if err != nil {
			deps.Logger.Warn("synchronous ingestion failed", "filename", filename, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "Document processing failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, protocol.UploadResponse{
			Status:       protocol.StatusSuccess,
			Filename:     filename,
			Message:      fmt.Sprintf("Successfully processed %s. Extracted %d chunks.", filename, res.ChunksCreated),
			IngestResult: res,
		})
	}
}

func handleProcessingStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		st, err := deps.Registry.Status(sessionID)
		if errors.Is(err, ingest.ErrSessionNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "Session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleProcessingStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")

		stream, err := sse.NewWriter(w)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		err = stream.Send(protocol.ProgressFrame{
			Type:      protocol.FrameConnected,
			SessionID: sessionID,
			Message:   "Connected to progress stream",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return
		}
		if err := streamProgress(r.Context(), stream, deps, sessionID); err != nil {
			deps.Logger.Debug("progress stream ended", "session_id", sessionID, "error", err)
		}
	}
}

// streamProgress forwards registry updates until the session reaches a
// terminal state, stalls, or the stream outlives its cap.
func streamProgress(ctx context.Context, stream *sse.Writer, deps Deps, sessionID string) error {
	deadline := time.NewTimer(deps.StreamTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(deps.StatusInterval)
	defer ticker.Stop()

	cursor := 0
	for {
		u, err := deps.Registry.Since(sessionID, cursor)
		if err != nil {
			return stream.Send(protocol.ProgressFrame{Type: protocol.FrameError, SessionID: sessionID, Error: "Session not found"})
		}
		for _, m := range u.New {
			if err := stream.Send(m); err != nil {
				return err
			}
		}
		cursor = u.Cursor

		if u.Terminal() {
			return stream.Send(statusFrame(u.Status))
		}
		// A queued upload has not started yet; only the stream cap applies
		// until the worker reports its first stage.
		var stalled <-chan time.Time
		var stale *time.Timer
		if !u.Queued() {
			idle := time.Since(u.Status.UpdatedAt)
			if idle >= deps.StaleAfter {
				return stream.Send(protocol.ProgressFrame{Type: protocol.FrameTimeout, SessionID: sessionID, Message: "Processing timeout"})
			}
			stale = time.NewTimer(deps.StaleAfter - idle)
			stalled = stale.C
		}

		err = waitProgress(ctx, stream, deadline.C, ticker.C, stalled, u)
		if stale != nil {
			stale.Stop()
		}
		if errors.Is(err, errStreamCap) {
			return stream.Send(protocol.ProgressFrame{
				Type:      protocol.FrameTimeout,
				SessionID: sessionID,
				Message:   fmt.Sprintf("Stream timeout after %s", deps.StreamTimeout),
			})
		}
		if err != nil {
			return err
		}
	}
}

var errStreamCap = errors.New("progress stream cap reached")

// waitProgress blocks until the session changes, the stall timer fires, a
// heartbeat is due or the stream ends.
func waitProgress(ctx context.Context, stream *sse.Writer, deadline, heartbeat, stalled <-chan time.Time, u ingest.Update) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return errStreamCap
	case <-heartbeat:
		return stream.Send(statusFrame(u.Status))
	case <-u.Changed:
	case <-stalled:
	}
	return nil
}

func statusFrame(st protocol.ProcessingStatus) protocol.ProgressFrame {
	return protocol.ProgressFrame{
		Type:      protocol.FrameStatus,
		SessionID: st.SessionID,
		Status:    st.Status,
		Progress:  st.Progress,
		Message:   st.CurrentMessage,
		Filename:  st.Filename,
		Result:    st.Result,
		Error:     st.Error,
		Timestamp: st.UpdatedAt.Format(time.RFC3339Nano),
	}
}
