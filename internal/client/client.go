// Package client talks to a running finrag server. It implements the chat
// transport, history loader and progress source the coordinators depend on,
// plus the plain JSON endpoints used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/finrag/internal/chat"
	"github.com/kalambet/finrag/internal/pipeline"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/session"
	"github.com/kalambet/finrag/internal/sse"
)

var (
	_ chat.Transport          = (*Client)(nil)
	_ session.HistoryLoader   = (*Client)(nil)
	_ pipeline.ProgressSource = (*Client)(nil)
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL string
	// httpClient serves request/response calls; streamClient has no overall
	// timeout so long streams are not cut off.
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger

	reconnects int
	backoff    time.Duration
}

type Option func(*Client)

// WithHTTPClient uses hc for every request, streams included.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReconnect sets how often a dropped progress stream is reopened. Chat
// streams are never reopened because re-posting would run the query again.
func WithReconnect(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.reconnects = maxRetries
		c.backoff = backoff
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		logger:       slog.Default(),
		reconnects:   3,
		backoff:      500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Stream posts req to the chat endpoint and dispatches the response frames to h.
func (c *Client) Stream(ctx context.Context, req protocol.ChatRequest, h sse.Handlers) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling chat request: %w", err)
	}
	src := sse.NewSource(c.streamClient, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, sse.WithLogger(c.logger))
	return src.Run(ctx, h)
}

// Subscribe follows the progress stream of an upload session, reconnecting
// on transport failures.
func (c *Client) Subscribe(ctx context.Context, sessionID string, h sse.Handlers) error {
	target := c.baseURL + "/ingest/processing-stream/" + url.PathEscape(sessionID)
	src := sse.NewSource(c.streamClient, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, sse.WithReconnect(c.reconnects, c.backoff), sse.WithLogger(c.logger))
	return src.Run(ctx, h)
}

func (c *Client) LoadHistory(ctx context.Context, sessionID string) ([]protocol.HistoryMessage, error) {
	var resp protocol.HistoryResponse
	if err := c.getJSON(ctx, "/chat/history/"+url.PathEscape(sessionID), &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Usage(ctx context.Context, sessionID string) (protocol.SessionUsage, error) {
	var u protocol.SessionUsage
	err := c.getJSON(ctx, "/chat/usage/"+url.PathEscape(sessionID), &u)
	return u, err
}

// Upload sends a document for asynchronous processing under sessionID.
// Progress is then available through Subscribe and ProcessingStatus.
func (c *Client) Upload(ctx context.Context, sessionID, filename string, r io.Reader) (protocol.UploadAck, error) {
	var ack protocol.UploadAck
	err := c.postFile(ctx, "/ingest/upload-with-progress/"+url.PathEscape(sessionID), filename, r, c.httpClient, &ack)
	return ack, err
}

// UploadSync processes a document within the request and returns the result.
func (c *Client) UploadSync(ctx context.Context, filename string, r io.Reader) (protocol.UploadResponse, error) {
	var resp protocol.UploadResponse
	err := c.postFile(ctx, "/ingest/upload", filename, r, c.streamClient, &resp)
	return resp, err
}

func (c *Client) ProcessingStatus(ctx context.Context, sessionID string) (protocol.ProcessingStatus, error) {
	var st protocol.ProcessingStatus
	err := c.getJSON(ctx, "/ingest/processing-status/"+url.PathEscape(sessionID), &st)
	return st, err
}

func (c *Client) IndexStats(ctx context.Context) (protocol.IndexStats, error) {
	var stats protocol.IndexStats
	err := c.getJSON(ctx, "/ingest/index-stats", &stats)
	return stats, err
}

func (c *Client) ServiceStatus(ctx context.Context) (protocol.ServiceStatus, error) {
	var st protocol.ServiceStatus
	err := c.getJSON(ctx, "/ingest/service-status", &st)
	return st, err
}

func (c *Client) EnsureIndex(ctx context.Context) (protocol.AdminResult, error) {
	var res protocol.AdminResult
	resp, err := c.do(ctx, c.httpClient, http.MethodPost, "/ingest/ensure-index", nil, "")
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	// 503 still carries an AdminResult body.
	if resp.StatusCode == http.StatusServiceUnavailable {
		if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.Message != "" {
			return res, &APIError{StatusCode: resp.StatusCode, Type: res.Status, Message: res.Message}
		}
	}
	return res, decodeJSON(resp, &res)
}

// Health returns nil when the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/health", &body); err != nil {
		return err
	}
	if body.Status != "ok" {
		return fmt.Errorf("server reported status %q", body.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s, is finrag serve running? (%w)", c.baseURL, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func (c *Client) postFile(ctx context.Context, path, filename string, r io.Reader, hc *http.Client, v any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("reading %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	resp, err := c.do(ctx, hc, http.MethodPost, path, &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", err)}
		}
		return parseAPIError(resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// parseAPIError understands the {"error":{"message","type"}} envelope and
// falls back to the raw body.
func parseAPIError(code int, body []byte) *APIError {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return &APIError{StatusCode: code, Type: env.Error.Type, Message: env.Error.Message}
	}
	return &APIError{StatusCode: code, Message: strings.TrimSpace(string(body))}
}
