package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsSubprotocol is offered during the WebSocket handshake.
const wsSubprotocol = "mcp"

// WebSocketTransport exchanges JSON-RPC messages as WebSocket text
// frames. A background reader feeds frames into the same inbox used by
// the stdio transport.
type WebSocketTransport struct {
	cfg    TransportConfig
	logger *slog.Logger

	sem chan struct{}

	connMu    sync.Mutex
	conn      *websocket.Conn
	inbox     *inbox
	connected atomic.Bool
}

// NewWebSocketTransport creates a WebSocket transport. Nothing is dialed
// until Connect.
func NewWebSocketTransport(cfg TransportConfig) *WebSocketTransport {
	cfg.Kind = KindWebSocket
	return &WebSocketTransport{
		cfg:    cfg,
		logger: cfg.logger(),
		sem:    make(chan struct{}, 1),
	}
}

// websocketURL converts http(s) URLs to ws(s) and rejects anything else.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid URL %q: must start with ws://, wss://, http:// or https://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return u.String(), nil
}

// Connect dials the server and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.connected.Load() {
		return nil
	}

	wsURL, err := websocketURL(t.cfg.URL)
	if err != nil {
		return connectionError("websocket endpoint", err)
	}

	header := http.Header{}
	for k, v := range t.cfg.headers() {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: notifyTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
		Subprotocols:     []string{wsSubprotocol},
	}

	t.logger.Info("connecting to MCP WebSocket", "url", wsURL)
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return networkError(resp.StatusCode, "websocket handshake rejected")
		}
		return classify("dial websocket", err)
	}
	conn.SetReadLimit(maxFrameSize)

	t.conn = conn
	t.inbox = newInbox(t.logger, t.cfg.notify)
	t.connected.Store(true)

	go t.readLoop(conn, t.inbox)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, box *inbox) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.connected.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("WebSocket closed normally")
			} else {
				t.logger.Debug("WebSocket read ended", "error", err)
			}
			box.fail(err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		t.logger.Log(context.Background(), levelTrace, "MCP recv", "payload", string(data))
		box.deliver(data)
	}
}

func (t *WebSocketTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-t.sem
		return err
	}
	return nil
}

func (t *WebSocketTransport) release() {
	<-t.sem
}

// Send writes the request as a text frame and waits for its response.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, classify("waiting for websocket transport", err)
	}
	defer t.release()

	box, err := t.write(req)
	if err != nil {
		return nil, err
	}
	return box.await(ctx, req.ID)
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return classify("waiting for websocket transport", err)
	}
	defer t.release()

	_, err := t.write(notif)
	return err
}

func (t *WebSocketTransport) write(v any) (*inbox, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil || !t.connected.Load() {
		return nil, connectionError("websocket transport not connected", nil)
	}
	t.inbox.drain()
	t.logger.Log(context.Background(), levelTrace, "MCP send", "payload", string(data))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, connectionError("write websocket frame", err)
	}
	return t.inbox, nil
}

// IsConnected reports whether the socket is open.
func (t *WebSocketTransport) IsConnected() bool {
	return t.connected.Load()
}

// Close sends a close frame and closes the socket.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	t.connected.Store(false)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	return conn.Close()
}
