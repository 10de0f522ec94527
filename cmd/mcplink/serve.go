package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/registry"
	"github.com/nugget/mcplink/internal/tools"
)

type toolFilter struct {
	include, exclude []string
}

// runServe connects every declared and saved server, keeps their tools
// bridged into a local registry, and runs until ctx is cancelled or the
// process is signalled. With -o json, lifecycle events are written to
// stdout as JSON lines.
func runServe(ctx context.Context, e *env, out *printer, _ []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := e.logger
	logger.Info("starting mcplink", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	if e.cfg.Health.Enabled {
		e.monitor = connwatch.NewMonitor(logger)
		defer e.monitor.Stop()
	}

	e.bus = events.New()
	feed, unsubscribe := e.bus.Subscribe(64)
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for ev := range feed {
			if out.json() {
				out.encode(ev)
				continue
			}
			logger.Debug("MCP event", "kind", ev.Kind, "mcp_server", ev.Server, "data", ev.Data)
		}
	}()
	defer func() {
		unsubscribe()
		<-fed
	}()

	filters := make(map[string]toolFilter, len(e.cfg.Servers))
	for _, s := range e.cfg.Servers {
		filters[s.Name] = toolFilter{include: s.Include, exclude: s.Exclude}
	}

	reg := tools.NewRegistry()
	var mgr *registry.Manager
	e.onToolsChanged = func(server string) {
		f := filters[server]
		n := mgr.BridgeServer(reg, server, f.include, f.exclude)
		logger.Info("MCP tools re-bridged", "mcp_server", server, "tools", n)
	}
	mgr = e.manager()

	// Declared servers are merged into the store so that a single load
	// connects them alongside servers saved by earlier commands.
	for _, s := range e.cfg.Servers {
		cfg := serverConfig(s)
		if prev, ok, err := e.store.Get(ctx, s.Name); err == nil && ok {
			cfg.LastConnected = prev.LastConnected
		}
		if err := e.store.Save(ctx, cfg); err != nil {
			return fmt.Errorf("save declared server %s: %w", s.Name, err)
		}
	}

	report := mgr.LoadSavedServers(ctx)
	for _, name := range report.Connected {
		f := filters[name]
		mgr.BridgeServer(reg, name, f.include, f.exclude)
	}
	for name, reason := range report.Failed {
		logger.Warn("MCP server not connected", "mcp_server", name, "error", reason)
	}

	logger.Info("mcplink ready",
		"servers", len(report.Connected),
		"failed", len(report.Failed),
		"tools", len(reg.Names()),
	)

	<-ctx.Done()
	logger.Info("shutting down", "dropped_events", e.bus.Dropped())

	if e.monitor != nil {
		for _, h := range e.monitor.Health() {
			logger.Debug("final server health",
				"mcp_server", h.Server,
				"healthy", h.Healthy,
				"consecutive_failures", h.ConsecutiveFailures,
			)
		}
	}
	return nil
}
