package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Transport carries JSON-RPC messages between a Session and one MCP
// server. A transport is stateful and owned by exactly one session.
type Transport interface {
	// Connect opens the underlying channel. For stdio this spawns the
	// subprocess; HTTP transports only validate the endpoint.
	Connect(ctx context.Context) error

	// Send sends a JSON-RPC request and returns the response. The
	// transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources. It is
	// idempotent.
	Close() error

	// IsConnected reports whether Connect succeeded and Close has not
	// been called.
	IsConnected() bool
}

// TransportKind selects a transport implementation.
type TransportKind string

// Supported transport kinds.
const (
	KindHTTP      TransportKind = "http"
	KindStdio     TransportKind = "stdio"
	KindStream    TransportKind = "stream"
	KindWebSocket TransportKind = "websocket"
)

// ParseKind converts a configuration string into a TransportKind. "sse"
// and "streamable-http" are accepted as aliases for stream, "ws" for
// websocket.
func ParseKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return KindHTTP, nil
	case "stdio":
		return KindStdio, nil
	case "stream", "sse", "streamable-http":
		return KindStream, nil
	case "websocket", "ws":
		return KindWebSocket, nil
	}
	return "", fmt.Errorf("unknown transport kind %q (want http, stdio, stream, or websocket)", s)
}

// AuthType selects how configured headers are applied.
type AuthType string

// Authentication modes. AuthHeader sends Headers as configured. AuthOAuth
// expects an already-issued bearer token in Headers; token acquisition is
// left to the operator. AuthNone suppresses Headers entirely.
const (
	AuthNone   AuthType = "none"
	AuthHeader AuthType = "header"
	AuthOAuth  AuthType = "oauth"
)

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// TransportConfig describes one transport. Which fields apply depends
// on Kind: URL for http, stream and websocket; Command, Args and Env
// for stdio.
type TransportConfig struct {
	Kind TransportKind

	// Name labels log lines. Usually the server name.
	Name string

	URL     string
	Headers map[string]string
	Auth    AuthType

	Command string
	Args    []string
	Env     map[string]string

	// HTTPClient overrides the client built by httpkit.
	HTTPClient *http.Client

	// OnNotification is called for every notification the server pushes.
	// It runs on the transport's reader goroutine and must not block.
	OnNotification NotificationHandler

	Logger *slog.Logger
}

// Endpoint returns the URL, or the command line for stdio.
func (c TransportConfig) Endpoint() string {
	if c.Kind == KindStdio {
		return strings.TrimSpace(strings.Join(append([]string{c.Command}, c.Args...), " "))
	}
	return c.URL
}

// headers returns the headers to send, honouring Auth.
func (c TransportConfig) headers() map[string]string {
	if c.Auth == AuthNone {
		return nil
	}
	return c.Headers
}

func (c TransportConfig) logger() *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	if c.Name != "" {
		l = l.With("mcp_server", c.Name)
	}
	return l.With("transport", string(c.Kind))
}

func (c TransportConfig) notify(method string, params json.RawMessage) {
	if c.OnNotification != nil {
		c.OnNotification(method, params)
	}
}

// NewTransport builds the transport selected by cfg.Kind. Nothing is
// opened until Connect.
func NewTransport(cfg TransportConfig) (Transport, error) {
	switch cfg.Kind {
	case KindHTTP:
		return NewHTTPTransport(cfg), nil
	case KindStdio:
		return NewStdioTransport(cfg), nil
	case KindStream:
		return NewStreamTransport(cfg), nil
	case KindWebSocket:
		return NewWebSocketTransport(cfg), nil
	}
	return nil, fmt.Errorf("unsupported transport kind %q", cfg.Kind)
}

// levelTrace logs full wire payloads. Same value as config.LevelTrace.
const levelTrace = slog.Level(-8)

// notifyTimeout bounds fire-and-forget notification writes.
const notifyTimeout = 10 * time.Second

// notifyDrainTimeout bounds how long Session.Close waits for cancelled
// notifications to return.
const notifyDrainTimeout = 2 * time.Second

// httpRetryDelay spaces retries of requests that never reached the server.
const httpRetryDelay = 500 * time.Millisecond

// validateHTTPURL checks that raw is an absolute http(s) URL.
func validateHTTPURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return connectionError("server URL cannot be empty", nil)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return connectionError(fmt.Sprintf("invalid URL %q: must start with http:// or https://", raw), nil)
	}
	return nil
}
