package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcplink/internal/httpkit"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// streamAccept is sent on every POST: the server may answer with a
// single JSON body or open an event stream.
const streamAccept = "application/json, text/event-stream"

// deleteTimeout bounds the session teardown request sent by Close.
const deleteTimeout = 5 * time.Second

// StreamTransport speaks Streamable HTTP. Requests are POSTed like the
// plain HTTP transport, but the server may answer with an event stream
// carrying notifications before the response. Once the handshake is
// complete and the server has assigned a session id, a GET stream is
// held open to receive server-initiated notifications.
type StreamTransport struct {
	*HTTPTransport

	cfg TransportConfig

	listenMu     sync.Mutex
	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// NewStreamTransport creates a Streamable HTTP transport. Its client
// has no overall timeout; every call is bounded by its context.
func NewStreamTransport(cfg TransportConfig) *StreamTransport {
	cfg.Kind = KindStream
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.headers()),
			httpkit.WithLogger(cfg.logger()),
			httpkit.WithRetry(2, httpRetryDelay),
		)
	}
	return &StreamTransport{
		HTTPTransport: NewHTTPTransport(cfg),
		cfg:           cfg,
	}
}

// Send posts the request and reads either a JSON body or an event
// stream up to the first response event.
func (t *StreamTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if !t.connected.Load() {
		return nil, connectionError("stream transport not connected", nil)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := t.post(ctx, body, streamAccept)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
		if resp, err := decodeResponse(errBody); err == nil && resp.Error != nil {
			return resp, nil
		}
		return nil, networkError(httpResp.StatusCode, truncate(string(errBody), 512))
	}

	ctype := contenttype.NewMediaType(httpResp.Header.Get("Content-Type"))
	if ctype.Matches(eventStreamMediaType) {
		resp, err := t.readEventResponse(ctx, httpResp.Body, req.ID)
		// The server may keep the stream open; do not drain it.
		httpResp.Body.Close()
		return resp, err
	}
	if !ctype.Matches(jsonMediaType) {
		t.logger.Debug("unexpected response content type, decoding as JSON",
			"content_type", httpResp.Header.Get("Content-Type"),
		)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, classify("read response body", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP recv", "payload", string(respBody))
	return decodeResponse(respBody)
}

// readEventResponse consumes events until one carries a JSON-RPC
// response. Notifications that precede it are dispatched.
func (t *StreamTransport) readEventResponse(ctx context.Context, body io.Reader, id int64) (*Response, error) {
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxBodySize}) {
		if err != nil {
			return nil, classify("read event stream", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			t.logger.Debug("ignoring event", "type", ev.Type)
			continue
		}
		t.logger.Log(ctx, levelTrace, "MCP recv", "event_id", ev.LastEventID, "payload", ev.Data)

		msg, err := decodeMessage([]byte(ev.Data))
		if err != nil {
			t.logger.Warn("discarding unparseable event", "error", err)
			continue
		}
		if !msg.isResponse() {
			t.dispatch(msg)
			continue
		}

		resp := msg.response()
		if got, ok := resp.IntID(); !ok || got != id {
			t.logger.Warn("response id does not match request",
				"want", id,
				"got", string(resp.ID),
			)
		}
		return resp, nil
	}
	return nil, newError(ErrProtocol, CodeInternalError, "event stream ended without a response", nil)
}

func (t *StreamTransport) dispatch(msg *message) {
	if msg.isNotification() {
		t.logger.Debug("server notification", "method", msg.Method)
		t.cfg.notify(msg.Method, msg.Params)
		return
	}
	t.logger.Debug("ignoring server-initiated request", "method", msg.Method)
}

// Notify posts a notification. Completing the handshake with
// notifications/initialized opens the server-push stream.
func (t *StreamTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.HTTPTransport.Notify(ctx, notif); err != nil {
		return err
	}
	if notif.Method == "notifications/initialized" && t.SessionID() != "" {
		t.startListener()
	}
	return nil
}

// startListener opens the GET event stream in the background. Only one
// listener runs at a time, and none starts once Close has begun.
func (t *StreamTransport) startListener() {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()

	// Close clears connected before taking listenMu.
	if t.listenCancel != nil || !t.connected.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.listenCancel = cancel
	t.listenDone = make(chan struct{})
	go t.listen(ctx, t.listenDone)
}

func (t *StreamTransport) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.logger.Warn("create listen request", "error", err)
		return
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			t.logger.Warn("open server event stream", "error", err)
		}
		return
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<10)

	switch {
	case httpResp.StatusCode == http.StatusMethodNotAllowed:
		t.logger.Debug("server does not offer an event stream")
		return
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		t.logger.Warn("server event stream refused", "status", httpResp.StatusCode)
		return
	}

	t.logger.Debug("server event stream open")
	for ev, err := range sse.Read(httpResp.Body, &sse.ReadConfig{MaxEventSize: maxBodySize}) {
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("server event stream ended", "error", err)
			}
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		msg, err := decodeMessage([]byte(ev.Data))
		if err != nil {
			t.logger.Warn("discarding unparseable event", "error", err)
			continue
		}
		if msg.isResponse() {
			t.logger.Debug("ignoring response on server event stream", "id", string(msg.ID))
			continue
		}
		t.dispatch(msg)
	}
}

// Close stops the listener and asks the server to end the session.
func (t *StreamTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}

	t.listenMu.Lock()
	cancel, done := t.listenCancel, t.listenDone
	t.listenCancel = nil
	t.listenMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	sid := t.SessionID()
	if sid == "" {
		return nil
	}

	ctx, cancelDelete := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancelDelete()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	httpReq.Header.Set(sessionHeader, sid)
	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.logger.Debug("session delete failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(httpResp.Body, 1<<10)
	return nil
}
