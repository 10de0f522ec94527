package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/opstate"
	"github.com/nugget/mcplink/internal/registry"
)

// env carries what every command needs: config, logger, the server
// store and, once requested, a Manager. monitor, bus and onToolsChanged
// must be set before the first call to manager.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   registry.Store
	mgr     *registry.Manager
	closers []func() error

	monitor        *connwatch.Monitor
	bus            *events.Bus
	onToolsChanged func(server string)
}

func newEnv(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*env, error) {
	e := &env{cfg: cfg, logger: logger}
	if err := e.openStore(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// openStore selects the persistence backend named in the config.
func (e *env) openStore(ctx context.Context) error {
	switch e.cfg.Store.Backend {
	case "memory":
		e.store = registry.NewMemoryStore()
		e.logger.Debug("using in-memory server store")

	case "redis":
		rc := e.cfg.Store.Redis
		rs, err := registry.NewRedisStore(ctx, registry.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		})
		if err != nil {
			return err
		}
		e.store = rs
		e.closers = append(e.closers, rs.Close)
		e.logger.Debug("using redis server store", "addr", rc.Addr)

	default:
		if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", e.cfg.DataDir, err)
		}
		dbPath := e.cfg.DatabasePath()
		state, err := opstate.Open(e.cfg.Store.Driver, dbPath)
		if err != nil {
			return fmt.Errorf("open state database %s: %w", dbPath, err)
		}
		e.store = registry.NewOpStateStore(state)
		e.closers = append(e.closers, state.Close)
		e.logger.Debug("state database opened", "path", dbPath)
	}
	return nil
}

// manager builds the Manager on first use.
func (e *env) manager() *registry.Manager {
	if e.mgr != nil {
		return e.mgr
	}
	c := e.cfg
	e.mgr = registry.NewManager(registry.Options{
		Store:           e.store,
		Logger:          e.logger,
		RequestTimeout:  c.Timeouts.Request,
		ConnectTimeout:  c.Timeouts.Connect,
		ValidateTimeout: c.Timeouts.Validate,
		Breaker: registry.BreakerSettings{
			MaxRequests:  c.Breaker.MaxRequests,
			Interval:     c.Breaker.Interval,
			Timeout:      c.Breaker.Timeout,
			MinRequests:  c.Breaker.MinRequests,
			FailureRatio: c.Breaker.FailureRatio,
		},
		Monitor:        e.monitor,
		HealthPolicy:   connwatch.Policy{PollInterval: c.Health.PollInterval},
		Events:         e.bus,
		OnToolsChanged: e.onToolsChanged,
	})
	return e.mgr
}

func (e *env) close() {
	if e.mgr != nil {
		e.mgr.Shutdown()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
}

// declared returns the config-file entry for name.
func (e *env) declared(name string) (config.ServerConfig, bool) {
	for _, s := range e.cfg.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return config.ServerConfig{}, false
}

// serverConfig converts a config-file declaration into the persisted
// form. Validate has already checked the kind.
func serverConfig(s config.ServerConfig) registry.ServerConfig {
	kind, _ := mcp.ParseKind(s.Kind)
	return registry.ServerConfig{
		Name:     s.Name,
		Kind:     kind,
		Endpoint: s.Endpoint(),
		Args:     s.Args,
		Env:      s.Env,
		Headers:  s.Headers,
		Auth:     mcp.AuthType(s.Auth),
		Enabled:  s.IsEnabled(),
	}
}

// lookup finds a server by name, preferring the saved config over the
// config-file declaration.
func (e *env) lookup(ctx context.Context, name string) (registry.ServerConfig, error) {
	cfg, ok, err := e.store.Get(ctx, name)
	if err != nil {
		return registry.ServerConfig{}, err
	}
	if ok {
		return cfg, nil
	}
	if s, ok := e.declared(name); ok {
		return serverConfig(s), nil
	}
	return registry.ServerConfig{}, fmt.Errorf("unknown server: %s", name)
}
