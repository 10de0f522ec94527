package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcplink/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version requested during
// initialization.
const ProtocolVersion = "2024-11-05"

// DefaultRequestTimeout bounds a request whose context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

// maxToolPages caps tools/list pagination against servers that never
// stop returning a cursor.
const maxToolPages = 100

// State is the lifecycle state of a Session.
type State int

// Session states. Sessions move forward through Disconnected,
// Connecting, Initializing and Ready; Closed is reachable from any
// state and is terminal.
const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEndpoint records the transport kind and endpoint for reporting.
// Open sets it from the transport config.
func WithEndpoint(kind TransportKind, endpoint string) SessionOption {
	return func(s *Session) {
		s.kind = kind
		s.endpoint = endpoint
	}
}

// Session is a client session with one MCP server. It owns its
// transport and drives the initialize handshake before tools can be
// listed or called.
type Session struct {
	name      string
	id        string
	kind      TransportKind
	endpoint  string
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	nextID    atomic.Int64

	// initMu serializes Connect and Initialize.
	initMu sync.Mutex

	mu              sync.RWMutex
	state           State
	protocolVersion string
	serverName      string
	serverVersion   string
	capabilities    json.RawMessage
	tools           []Tool

	// Background notifications run under done and are awaited by
	// Close.
	done     context.Context
	stop     context.CancelFunc
	notifyWG sync.WaitGroup
}

// NewSession creates a session named name over t. The session starts
// Disconnected.
func NewSession(name string, t Transport, opts ...SessionOption) *Session {
	s := &Session{
		name:      name,
		id:        uuid.NewString(),
		transport: t,
		logger:    slog.Default(),
		timeout:   DefaultRequestTimeout,
	}
	s.done, s.stop = context.WithCancel(context.Background())
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("mcp_server", name, "session_id", s.id)
	return s
}

// Open builds the transport described by cfg and wraps it in a new
// Session named cfg.Name.
func Open(cfg TransportConfig, opts ...SessionOption) (*Session, error) {
	t, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]SessionOption{
		WithEndpoint(cfg.Kind, cfg.Endpoint()),
		WithLogger(cfg.Logger),
	}, opts...)
	return NewSession(cfg.Name, t, opts...), nil
}

// Connect opens the transport. Connecting an already connected session
// is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	switch st := s.State(); st {
	case StateClosed:
		return stateError("session %s is closed", s.name)
	case StateConnecting, StateInitializing, StateReady:
		if s.transport.IsConnected() {
			return nil
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.transport.Connect(ctx); err != nil {
		return classify(fmt.Sprintf("connect %s", s.name), err)
	}
	s.setState(StateConnecting)
	s.logger.Debug("MCP transport connected", "kind", s.kind, "endpoint", s.endpoint)
	return nil
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      implementation `json:"clientInfo"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      implementation  `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

// Initialize performs the MCP handshake. A Disconnected session is
// connected first; a Ready session is left untouched. On success the
// notifications/initialized notification is sent in the background.
func (s *Session) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	switch s.State() {
	case StateReady:
		s.logger.Debug("MCP session already initialized")
		return nil
	case StateClosed:
		return stateError("session %s is closed", s.name)
	case StateDisconnected:
		if err := s.connect(ctx); err != nil {
			return err
		}
	}

	s.setState(StateInitializing)

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools":        map[string]any{},
			"experimental": map[string]any{},
		},
		ClientInfo: implementation{
			Name:    buildinfo.ClientName,
			Version: buildinfo.Version,
		},
	}

	raw, err := s.call(ctx, "initialize", params)
	if err != nil {
		s.revertFrom(StateInitializing)
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.revertFrom(StateInitializing)
		return newError(ErrProtocol, CodeParseError, "decode initialize result", err)
	}

	if result.ProtocolVersion == "" {
		result.ProtocolVersion = ProtocolVersion
	}
	if result.ServerInfo.Name == "" {
		result.ServerInfo.Name = s.name
	}
	if result.ServerInfo.Version == "" {
		result.ServerInfo.Version = "unknown"
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return stateError("session %s closed during initialize", s.name)
	}
	s.protocolVersion = result.ProtocolVersion
	s.serverName = result.ServerInfo.Name
	s.serverVersion = result.ServerInfo.Version
	s.capabilities = result.Capabilities
	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if result.ProtocolVersion != ProtocolVersion {
		s.logger.Warn("server negotiated a different protocol version",
			"requested", ProtocolVersion,
			"negotiated", result.ProtocolVersion,
		)
	}

	s.notifyDetached(NewNotification("notifications/initialized", nil))
	return nil
}

// notifyDetached sends a notification in the background. Failures are
// logged only.
func (s *Session) notifyDetached(n *Notification) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(s.done, notifyTimeout)
		defer cancel()
		if err := s.transport.Notify(ctx, n); err != nil {
			s.logger.Warn("MCP notification failed", "method", n.Method, "error", err)
		}
	}()
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListTools fetches every page of tools/list and replaces the cached
// tool list.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if err := s.requireReady("tools/list"); err != nil {
		return nil, err
	}

	var all []Tool
	cursor := ""
	for page := 1; ; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		raw, err := s.call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result listToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, newError(ErrProtocol, CodeParseError, "decode tools/list result", err)
		}
		all = append(all, result.Tools...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		if page >= maxToolPages {
			s.logger.Warn("tools/list pagination limit reached", "pages", page)
			break
		}
		cursor = result.NextCursor
	}

	if all == nil {
		all = []Tool{}
	}

	s.mu.Lock()
	s.tools = all
	s.mu.Unlock()

	s.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool by name. A result with IsError set is not a
// Go error; the caller decides how to surface it.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if err := s.requireReady("tools/call"); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := s.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, newError(ErrProtocol, CodeParseError, "decode tools/call result", err)
	}
	result.Raw = raw
	return &result, nil
}

// Ping checks whether the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	switch st := s.State(); st {
	case StateDisconnected, StateClosed:
		return stateError("cannot ping session %s in state %s", s.name, st)
	}
	_, err := s.call(ctx, "ping", nil)
	return err
}

// Close shuts down the transport. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("closing MCP session")
	s.stop()
	s.awaitNotifications()
	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// awaitNotifications waits briefly for background notifications, which
// have already been cancelled, so none races the transport teardown.
func (s *Session) awaitNotifications() {
	idle := make(chan struct{})
	go func() {
		s.notifyWG.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(notifyDrainTimeout):
		s.logger.Warn("MCP notification still in flight at close")
	}
}

// call issues one request and unwraps the JSON-RPC envelope.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := s.nextID.Add(1)
	start := time.Now()
	resp, err := s.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		err = classify(method, err)
		if errors.Is(err, ErrConnection) && !s.transport.IsConnected() {
			s.lost(err)
		}
		return nil, err
	}

	s.logger.Debug("MCP request complete",
		"method", method,
		"id", id,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return nil, newError(ErrProtocol, CodeInternalError, "response has neither result nor error", nil)
	}
	return resp.Result, nil
}

// lost marks the session closed after its transport died.
func (s *Session) lost(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Warn("MCP transport lost", "error", cause)
	_ = s.transport.Close()
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Session) requireReady(op string) error {
	if st := s.State(); st != StateReady {
		return stateError("%s requires a ready session, %s is %s", op, s.name, st)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

// revertFrom moves a failed handshake back to Connecting so the caller
// can retry or Close.
func (s *Session) revertFrom(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		s.state = StateConnecting
	}
}

// Name returns the session's server name.
func (s *Session) Name() string { return s.name }

// ID returns the unique instance id used to correlate log lines.
func (s *Session) ID() string { return s.id }

// Kind returns the transport kind, if known.
func (s *Session) Kind() TransportKind { return s.kind }

// Endpoint returns the URL or command line, if known.
func (s *Session) Endpoint() string { return s.endpoint }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// ServerName returns the name reported in serverInfo.
func (s *Session) ServerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverName
}

// ServerVersion returns the version reported in serverInfo.
func (s *Session) ServerVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverVersion
}

// Capabilities returns the server's raw capabilities object.
func (s *Session) Capabilities() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// Tools returns the tools cached by the last ListTools.
func (s *Session) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}
