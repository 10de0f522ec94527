package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcplink/internal/httpkit"
)

// DefaultValidateTimeout is used when Validate is given no timeout.
const DefaultValidateTimeout = 5 * time.Second

// processGrace is how long a validated subprocess must stay alive.
const processGrace = 100 * time.Millisecond

// ValidationResult is the outcome of a pre-flight connectivity check.
type ValidationResult struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Protocol string         `json:"protocol"`
	Details  map[string]any `json:"details,omitempty"`
}

func validationFailure(kind TransportKind, msg string, details map[string]any) ValidationResult {
	return ValidationResult{Message: msg, Protocol: string(kind), Details: details}
}

// Validate checks whether the endpoint in cfg is reachable without
// performing the MCP handshake. It never panics and never returns an
// error; every failure is reported in the result.
func Validate(ctx context.Context, cfg TransportConfig, timeout time.Duration) (result ValidationResult) {
	if timeout <= 0 {
		timeout = DefaultValidateTimeout
	}
	logger := cfg.logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("validation panicked", "panic", r)
			result = validationFailure(cfg.Kind, fmt.Sprintf("validation error: %v", r), nil)
		}
	}()

	logger.Debug("validating MCP transport", "endpoint", cfg.Endpoint(), "timeout", timeout)

	switch cfg.Kind {
	case KindStdio:
		result = validateStdio(ctx, cfg, timeout)
	case KindHTTP, KindStream:
		result = validateHTTP(ctx, cfg, timeout)
	case KindWebSocket:
		result = validateWebSocket(ctx, cfg, timeout)
	default:
		result = validationFailure(cfg.Kind, fmt.Sprintf("unsupported transport kind %q", cfg.Kind), nil)
	}

	logger.Debug("validation complete", "success", result.Success, "message", result.Message)
	return result
}

// validateStdio starts the command and checks that it is still running
// after a short grace period, then kills it.
func validateStdio(ctx context.Context, cfg TransportConfig, timeout time.Duration) ValidationResult {
	if strings.TrimSpace(cfg.Command) == "" {
		return validationFailure(KindStdio, "Command cannot be empty", nil)
	}
	details := map[string]any{"command": cfg.Command}

	budget := timeout / 2
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), envList(cfg.Env)...)

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return validationFailure(KindStdio, fmt.Sprintf("Process start timed out after %s", budget), details)
		}
		return validationFailure(KindStdio, fmt.Sprintf("Process failed to start: %v", err), details)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			details["exitError"] = err.Error()
		}
		return validationFailure(KindStdio, "Process failed to start", details)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return validationFailure(KindStdio, fmt.Sprintf("Process start timed out after %s", budget), details)
	case <-time.After(processGrace):
		_ = cmd.Process.Kill()
		<-exited
		return ValidationResult{
			Success:  true,
			Message:  "Process started successfully",
			Protocol: string(KindStdio),
			Details:  details,
		}
	}
}

// validateHTTP issues a single GET. Stream endpoints must answer 2xx or
// 3xx; plain HTTP endpoints anything up to 4xx, since a 4xx still
// proves a server is answering.
func validateHTTP(ctx context.Context, cfg TransportConfig, timeout time.Duration) ValidationResult {
	if strings.TrimSpace(cfg.URL) == "" {
		return validationFailure(cfg.Kind, "Server URL cannot be empty", nil)
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return validationFailure(cfg.Kind, "Invalid URL format. Must start with http:// or https://", nil)
	}
	details := map[string]any{"url": cfg.URL}

	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithHeaders(cfg.headers()),
		)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return validationFailure(cfg.Kind, fmt.Sprintf("Invalid URL: %v", err), details)
	}
	if cfg.Kind == KindStream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return validationFailure(cfg.Kind, fmt.Sprintf("Connection timed out after %s", timeout), details)
		}
		return validationFailure(cfg.Kind, fmt.Sprintf("Connection error: %v", err), details)
	}
	// An event stream may never end; close without draining.
	resp.Body.Close()

	status := resp.StatusCode
	details["statusCode"] = status

	upper := 499
	if cfg.Kind == KindStream {
		upper = 399
	}
	if status < 200 || status > upper {
		return validationFailure(cfg.Kind,
			fmt.Sprintf("Server returned error: %d %s", status, http.StatusText(status)), details)
	}

	label := "HTTP"
	if cfg.Kind == KindStream {
		label = "Stream"
	}
	return ValidationResult{
		Success:  true,
		Message:  fmt.Sprintf("%s endpoint reachable (status: %d)", label, status),
		Protocol: string(cfg.Kind),
		Details:  details,
	}
}

// validateWebSocket dials and immediately closes the socket.
func validateWebSocket(ctx context.Context, cfg TransportConfig, timeout time.Duration) ValidationResult {
	if strings.TrimSpace(cfg.URL) == "" {
		return validationFailure(KindWebSocket, "Server URL cannot be empty", nil)
	}
	wsURL, err := websocketURL(cfg.URL)
	if err != nil {
		return validationFailure(KindWebSocket,
			"Invalid URL format. Must start with ws://, wss://, http:// or https://", nil)
	}
	details := map[string]any{"url": wsURL}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	for k, v := range cfg.headers() {
		header.Set(k, v)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{wsSubprotocol},
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil {
		details["statusCode"] = resp.StatusCode
	}
	if err != nil {
		if isTimeout(ctx, err) {
			return validationFailure(KindWebSocket, fmt.Sprintf("Connection timed out after %s", timeout), details)
		}
		return validationFailure(KindWebSocket, fmt.Sprintf("Connection error: %v", err), details)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	return ValidationResult{
		Success:  true,
		Message:  "WebSocket endpoint reachable",
		Protocol: string(KindWebSocket),
		Details:  details,
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
