package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/nugget/mcplink/internal/httpkit"
)

// sessionHeader carries the server-assigned MCP session id.
const sessionHeader = "Mcp-Session-Id"

// maxBodySize bounds response bodies read into memory.
const maxBodySize = 10 << 20

// HTTPTransport sends each JSON-RPC request as an HTTP POST and reads
// the response from the body.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	// sendMu keeps requests on one session strictly sequential.
	sendMu sync.Mutex

	mu        sync.RWMutex
	sessionID string

	connected atomic.Bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
// Unless cfg.HTTPClient is set, the client is built via httpkit with
// the configured headers applied to every request.
func NewHTTPTransport(cfg TransportConfig) *HTTPTransport {
	if cfg.Kind == "" {
		cfg.Kind = KindHTTP
	}
	logger := cfg.logger()

	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithHeaders(cfg.headers()),
			httpkit.WithLogger(logger),
			httpkit.WithRetry(2, httpRetryDelay),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// Connect validates the endpoint URL. No network traffic is generated.
func (t *HTTPTransport) Connect(_ context.Context) error {
	if err := validateHTTPURL(t.url); err != nil {
		return err
	}
	t.connected.Store(true)
	return nil
}

// Send posts the request and decodes the response body.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if !t.connected.Load() {
		return nil, connectionError("http transport not connected", nil)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := t.post(ctx, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, classify("read response body", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP recv", "status", httpResp.StatusCode, "payload", string(respBody))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		// Servers sometimes report JSON-RPC errors with a 4xx/5xx status.
		if resp, err := decodeResponse(respBody); err == nil && resp.Error != nil {
			return resp, nil
		}
		return nil, networkError(httpResp.StatusCode, truncate(string(respBody), 512))
	}

	resp, err := decodeResponse(respBody)
	if err != nil {
		return nil, err
	}
	if got, ok := resp.IntID(); !ok || got != req.ID {
		t.logger.Debug("response id does not match request",
			"want", req.ID,
			"got", string(resp.ID),
		)
	}
	return resp, nil
}

// Notify posts a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	if !t.connected.Load() {
		return connectionError("http transport not connected", nil)
	}

	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpResp, err := t.post(ctx, body, "application/json")
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return networkError(httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 512))
	}
	return nil
}

// post issues a POST carrying the session id and captures any new one
// from the response.
func (t *HTTPTransport) post(ctx context.Context, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, connectionError("create HTTP request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	t.logger.Log(ctx, levelTrace, "MCP send", "payload", string(body))

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(fmt.Sprintf("HTTP request to %s", t.url), err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		if t.sessionID != sid {
			t.logger.Debug("MCP session id assigned", "session_id", sid)
		}
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// SessionID returns the server-assigned session id, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// IsConnected reports whether Connect succeeded and Close has not run.
func (t *HTTPTransport) IsConnected() bool {
	return t.connected.Load()
}

// Close marks the transport closed. The underlying HTTP client manages
// its own connection pool.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}
