package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/tools"
)

// Default timeouts for Manager operations.
const (
	DefaultConnectTimeout = 30 * time.Second
	refreshTimeout        = 30 * time.Second
)

// Options configures a Manager. Zero values take defaults.
type Options struct {
	// Store persists server configs. Defaults to a MemoryStore.
	Store Store

	Logger *slog.Logger

	// RequestTimeout bounds each JSON-RPC request.
	RequestTimeout time.Duration
	// ConnectTimeout bounds connect, handshake and the first tools/list.
	ConnectTimeout time.Duration
	// ValidateTimeout bounds ValidateServer when no timeout is given.
	ValidateTimeout time.Duration

	Breaker BreakerSettings

	// Monitor, when set, pings every connected server in the background.
	Monitor      *connwatch.Monitor
	HealthPolicy connwatch.Policy

	// Events receives lifecycle events. Optional.
	Events *events.Bus

	// OnToolsChanged is called after a server's tool cache is replaced
	// by a refresh. Optional.
	OnToolsChanged func(server string)
}

type entry struct {
	session *mcp.Session
	config  ServerConfig
	tools   []mcp.Tool
	breaker *breaker
}

// Manager owns the live sessions, keyed by server name. It is safe for
// concurrent use; Connect and Disconnect on the same name are
// serialized.
type Manager struct {
	opts   Options
	store  Store
	logger *slog.Logger
	events *events.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	servers map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a Manager with no connected servers.
func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = mcp.DefaultRequestTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ValidateTimeout <= 0 {
		opts.ValidateTimeout = mcp.DefaultValidateTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		store:   opts.Store,
		logger:  opts.Logger,
		events:  opts.Events,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock serializes connect and disconnect for one server name.
func (m *Manager) lock(name string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) get(name string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[name]
}

// ConnectServer opens a session to the server described by cfg, runs
// the handshake, caches its tools and persists cfg. A session already
// registered under the same name is replaced and closed. On failure
// nothing is registered.
func (m *Manager) ConnectServer(ctx context.Context, cfg ServerConfig) (*ServerInfo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kind, err := mcp.ParseKind(string(cfg.Kind)); err == nil {
		cfg.Kind = kind
	}

	unlock := m.lock(cfg.Name)
	defer unlock()

	logger := m.logger.With("mcp_server", cfg.Name)
	tc := cfg.TransportConfig(m.logger)
	tc.OnNotification = m.notificationHandler(cfg.Name)

	session, remoteTools, err := m.open(ctx, cfg, tc)
	if err != nil {
		m.events.Emit(events.KindConnectFailed, cfg.Name, map[string]any{"error": err.Error()})
		return nil, err
	}

	cfg.Enabled = true
	cfg.LastConnected = time.Now().UTC()

	e := &entry{
		session: session,
		config:  cfg,
		tools:   remoteTools,
		breaker: newBreaker(cfg.Name, m.opts.Breaker, m.logger, m.events),
	}

	m.mu.Lock()
	old := m.servers[cfg.Name]
	m.servers[cfg.Name] = e
	m.mu.Unlock()

	if old != nil {
		logger.Info("replacing existing MCP session", "old_session_id", old.session.ID())
		old.session.Close()
	}

	if err := m.store.Save(ctx, cfg); err != nil {
		logger.Warn("failed to persist server config", "error", err)
	}

	m.watch(cfg.Name, session)

	logger.Info("MCP server connected",
		"kind", cfg.Kind,
		"endpoint", cfg.Endpoint,
		"server_name", session.ServerName(),
		"server_version", session.ServerVersion(),
		"protocol", session.ProtocolVersion(),
		"tools", len(remoteTools),
	)
	m.events.Emit(events.KindServerConnected, cfg.Name, map[string]any{
		"kind":       string(cfg.Kind),
		"endpoint":   cfg.Endpoint,
		"tools":      len(remoteTools),
		"session_id": session.ID(),
	})
	info := m.info(e)
	return &info, nil
}

// open creates the session and runs the handshake and first tool
// listing under the connect timeout. On failure the session is closed.
func (m *Manager) open(ctx context.Context, cfg ServerConfig, tc mcp.TransportConfig) (*mcp.Session, []mcp.Tool, error) {
	session, err := mcp.Open(tc, mcp.WithRequestTimeout(m.opts.RequestTimeout))
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if err := session.Initialize(ctx); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Name, err)
	}
	remoteTools, err := session.ListTools(ctx)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("connect %s: list tools: %w", cfg.Name, err)
	}
	return session, remoteTools, nil
}

// watch starts a health watcher for a freshly connected session.
func (m *Manager) watch(name string, session *mcp.Session) {
	if m.opts.Monitor == nil {
		return
	}
	logger := m.logger.With("mcp_server", name)
	var wasDown atomic.Bool
	m.opts.Monitor.Watch(m.ctx, connwatch.Config{
		Server: name,
		Probe:  session.Ping,
		Policy: m.opts.HealthPolicy,
		OnDown: func(err error) {
			wasDown.Store(true)
			logger.Warn("MCP server failed health check", "error", err)
			m.events.Emit(events.KindHealth, name, map[string]any{"healthy": false, "error": err.Error()})
		},
		OnUp: func() {
			if !wasDown.Swap(false) {
				return
			}
			m.events.Emit(events.KindHealth, name, map[string]any{"healthy": true})
			if _, err := m.RefreshTools(m.ctx, name); err != nil {
				logger.Debug("tool refresh after recovery failed", "error", err)
			}
		},
		Logger: m.logger,
	})
}

// notificationHandler refreshes the tool cache when the server reports
// that its tool list changed. It runs on the transport reader, so the
// refresh happens in its own goroutine.
func (m *Manager) notificationHandler(name string) mcp.NotificationHandler {
	logger := m.logger.With("mcp_server", name)
	return func(method string, _ json.RawMessage) {
		if method != "notifications/tools/list_changed" {
			logger.Debug("MCP notification", "method", method)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
			defer cancel()
			if _, err := m.RefreshTools(ctx, name); err != nil {
				logger.Debug("tool refresh after list_changed failed", "error", err)
			}
		}()
	}
}

// DisconnectServer closes the session for name and forgets its saved
// config. Unknown names are not an error.
func (m *Manager) DisconnectServer(ctx context.Context, name string) error {
	unlock := m.lock(name)
	defer unlock()

	m.drop(name)
	if err := m.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("disconnect %s: %w", name, err)
	}
	return nil
}

// drop closes and unregisters a session without touching the store.
func (m *Manager) drop(name string) {
	m.mu.Lock()
	e := m.servers[name]
	delete(m.servers, name)
	m.mu.Unlock()

	if m.opts.Monitor != nil {
		m.opts.Monitor.Unwatch(name)
	}
	if e != nil {
		e.session.Close()
		m.logger.Info("MCP server disconnected", "mcp_server", name)
		m.events.Emit(events.KindServerDisconnected, name, nil)
	}
}

func (m *Manager) info(e *entry) ServerInfo {
	s := e.session
	m.mu.RLock()
	toolCount := len(e.tools)
	m.mu.RUnlock()
	info := ServerInfo{
		Name:            e.config.Name,
		Endpoint:        e.config.Endpoint,
		Kind:            e.config.Kind,
		State:           s.State().String(),
		Connected:       s.State() == mcp.StateReady,
		ToolCount:       toolCount,
		ProtocolVersion: s.ProtocolVersion(),
		ServerName:      s.ServerName(),
		ServerVersion:   s.ServerVersion(),
		SessionID:       s.ID(),
		Breaker:         e.breaker.state(),
		BreakerFailures: e.breaker.counts().ConsecutiveFailures,
	}
	if m.opts.Monitor != nil {
		if w := m.opts.Monitor.Get(e.config.Name); w != nil {
			healthy := w.IsHealthy()
			info.Healthy = &healthy
			if err := w.LastError(); err != nil {
				info.HealthError = err.Error()
			}
		}
	}
	return info
}

// GetServers returns a summary of every registered server, sorted by
// name.
func (m *Manager) GetServers() []ServerInfo {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]ServerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.info(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetServer returns the summary for one server.
func (m *Manager) GetServer(name string) (ServerInfo, bool) {
	e := m.get(name)
	if e == nil {
		return ServerInfo{}, false
	}
	return m.info(e), true
}

// IsServerConnected reports whether name has a Ready session.
func (m *Manager) IsServerConnected(name string) bool {
	e := m.get(name)
	return e != nil && e.session.State() == mcp.StateReady
}

func (m *Manager) serverNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ConnectedServerNames returns the names of servers with Ready
// sessions, sorted.
func (m *Manager) ConnectedServerNames() []string {
	m.mu.RLock()
	var names []string
	for name, e := range m.servers {
		if e.session.State() == mcp.StateReady {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// GetTools returns the cached tools of one server, or of every server
// when server is empty, sorted by qualified name. No network traffic.
func (m *Manager) GetTools(server string) []ToolInfo {
	m.mu.RLock()
	var out []ToolInfo
	for name, e := range m.servers {
		if server != "" && name != server {
			continue
		}
		for _, t := range e.tools {
			out = append(out, ToolInfo{
				Server:        name,
				Name:          t.Name,
				QualifiedName: mcp.QualifiedName(name, t.Name),
				Description:   t.Description,
				InputSchema:   t.InputSchema,
			})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// RefreshTools re-lists the server's tools and replaces the cache.
func (m *Manager) RefreshTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	e := m.get(name)
	if e == nil {
		return nil, fmt.Errorf("server not connected: %s", name)
	}
	remoteTools, err := e.session.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh tools for %s: %w", name, err)
	}

	m.mu.Lock()
	// The session may have been replaced while listing.
	if m.servers[name] != e {
		m.mu.Unlock()
		return remoteTools, nil
	}
	e.tools = remoteTools
	m.mu.Unlock()

	m.logger.Info("MCP tools refreshed", "mcp_server", name, "tools", len(remoteTools))
	m.events.Emit(events.KindToolsChanged, name, map[string]any{"tools": len(remoteTools)})
	if m.opts.OnToolsChanged != nil {
		m.opts.OnToolsChanged(name)
	}
	return remoteTools, nil
}

// findTool returns the cached definition of tool on e.
func (m *Manager) findTool(e *entry, tool string) (mcp.Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range e.tools {
		if t.Name == tool {
			return t, true
		}
	}
	return mcp.Tool{}, false
}

// ExecuteTool calls tool on server. It never returns an error: every
// failure is reported in the Result.
func (m *Manager) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) tools.Result {
	name := mcp.QualifiedName(server, tool)
	meta := map[string]any{
		mcp.MetaServer: server,
		mcp.MetaTool:   tool,
	}

	e := m.get(server)
	if e == nil || e.session.State() != mcp.StateReady {
		return tools.Failure(name, "server not connected: "+server, 0, meta)
	}

	if def, ok := m.findTool(e, tool); ok {
		prepared, err := mcp.PrepareArguments(def, args)
		if err != nil {
			return tools.Failure(name, err.Error(), mcp.CodeOf(err), meta)
		}
		args = prepared
	}

	logger := m.logger.With("mcp_server", server, "mcp_tool", tool)
	start := time.Now()
	res, err := e.breaker.call(func() (*mcp.CallToolResult, error) {
		return e.session.CallTool(ctx, tool, args)
	})
	elapsed := time.Since(start)
	logger.Debug("MCP tool call complete",
		"elapsed", elapsed.Round(time.Millisecond),
		"error", err,
	)
	result := mcp.CallResult(name, res, err, meta, logger)

	data := map[string]any{"tool": tool, "ok": result.Success, "duration_ms": elapsed.Milliseconds()}
	if result.Error != nil {
		data["code"] = result.Error.Code
	}
	m.events.Emit(events.KindToolCall, server, data)
	return result
}

// Ping checks that a connected server is responsive.
func (m *Manager) Ping(ctx context.Context, name string) error {
	e := m.get(name)
	if e == nil {
		return fmt.Errorf("server not connected: %s", name)
	}
	return e.session.Ping(ctx)
}

// LoadSavedServers reconnects every persisted server that is enabled.
// Failures are logged and reported; they never stop other servers from
// loading.
func (m *Manager) LoadSavedServers(ctx context.Context) LoadReport {
	report := LoadReport{Failed: map[string]string{}}

	configs, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("failed to load saved MCP servers", "error", err)
		report.Failed["*"] = err.Error()
		return report
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, cfg := range configs {
		if !cfg.Enabled {
			report.Skipped = append(report.Skipped, cfg.Name)
			continue
		}
		wg.Add(1)
		go func(cfg ServerConfig) {
			defer wg.Done()
			_, err := m.ConnectServer(ctx, cfg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("failed to reconnect saved MCP server",
					"mcp_server", cfg.Name,
					"error", err,
				)
				report.Failed[cfg.Name] = err.Error()
				return
			}
			report.Connected = append(report.Connected, cfg.Name)
		}(cfg)
	}
	wg.Wait()

	sort.Strings(report.Connected)
	m.logger.Info("saved MCP servers loaded",
		"connected", len(report.Connected),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	return report
}

// SetServerEnabled flips the persisted enabled flag. Disabling closes a
// live session but keeps the config; enabling connects it.
func (m *Manager) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	cfg, ok, err := m.store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("set enabled %s: %w", name, err)
	}
	if !ok {
		e := m.get(name)
		if e == nil {
			return fmt.Errorf("unknown server: %s", name)
		}
		cfg = e.config
	}

	if enabled {
		if m.IsServerConnected(name) {
			return nil
		}
		_, err := m.ConnectServer(ctx, cfg)
		return err
	}

	unlock := m.lock(name)
	defer unlock()
	m.drop(name)
	cfg.Enabled = false
	if err := m.store.Save(ctx, cfg); err != nil {
		return fmt.Errorf("set enabled %s: %w", name, err)
	}
	return nil
}

// ValidateServer checks that cfg's endpoint is reachable without
// connecting. A zero timeout uses Options.ValidateTimeout.
func (m *Manager) ValidateServer(ctx context.Context, cfg ServerConfig, timeout time.Duration) mcp.ValidationResult {
	if timeout <= 0 {
		timeout = m.opts.ValidateTimeout
	}
	return mcp.Validate(ctx, cfg.TransportConfig(m.logger), timeout)
}

// Shutdown closes every session. Saved configs are kept.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	entries := m.servers
	m.servers = make(map[string]*entry)
	m.mu.Unlock()

	for name, e := range entries {
		if m.opts.Monitor != nil {
			m.opts.Monitor.Unwatch(name)
		}
		e.session.Close()
	}
	m.logger.Info("MCP manager shut down", "closed", len(entries))
}
