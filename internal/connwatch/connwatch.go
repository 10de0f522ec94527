// Package connwatch monitors the health of connected MCP servers by
// pinging them on a schedule.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second dial errors on a single request. connwatch handles outages
// lasting seconds to minutes: a server subprocess that crashed, a
// remote endpoint being redeployed, a dropped session.
//
// Each Watcher probes one server in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with up/down transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Probe checks whether a server is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Policy controls probe timing.
type Policy struct {
	// InitialDelay is the delay before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each startup retry.
	Multiplier float64

	// MaxRetries is the number of startup probe attempts before the
	// watcher falls back to background polling.
	MaxRetries int

	// PollInterval is the background check interval.
	PollInterval time.Duration

	// ProbeTimeout limits each probe call.
	ProbeTimeout time.Duration
}

// DefaultPolicy returns the schedule used for MCP servers: 1s, 2s, 4s,
// 8s, 16s startup retries, then a ping every 30 seconds.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = d.ProbeTimeout
	}
	return p
}

// Config configures a single server watcher.
type Config struct {
	// Server names the watched MCP server.
	Server string

	// Probe checks server health. Must be safe for concurrent use.
	Probe Probe

	// Policy controls retry timing. Zero fields take DefaultPolicy values.
	Policy Policy

	// OnUp is called when the server transitions from unhealthy to
	// healthy. Runs in its own goroutine. Optional.
	OnUp func()

	// OnDown is called when the server transitions from healthy to
	// unhealthy. Runs in its own goroutine. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// Health is a point-in-time view of one server, suitable for JSON.
type Health struct {
	Server              string    `json:"server"`
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Watcher monitors one server.
type Watcher struct {
	cfg     Config
	logger  *slog.Logger
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsHealthy reports whether the last probe succeeded.
func (w *Watcher) IsHealthy() bool {
	return w.healthy.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Health returns the current status.
func (w *Watcher) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()

	h := Health{
		Server:              w.cfg.Server,
		Healthy:             w.healthy.Load(),
		LastCheck:           w.lastCheck,
		ConsecutiveFailures: w.failures,
	}
	if w.lastErr != nil {
		h.LastError = w.lastErr.Error()
	}
	return h
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}
	w.poll(ctx)
}

// startup probes with exponential backoff until the server answers or
// retries run out. Returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	p := w.cfg.Policy
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("MCP server healthy", "after_attempts", attempt)
			w.transition(true, nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if attempt == p.MaxRetries {
			w.logger.Warn("MCP server unreachable, falling back to background polling",
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		w.logger.Debug("health probe failed, retrying",
			"attempt", attempt,
			"max_retries", p.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return true
}

// poll checks the server every PollInterval and fires callbacks on
// transitions.
func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Policy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.check(ctx)
			if ctx.Err() != nil {
				return
			}
			switch {
			case err == nil && !w.healthy.Load():
				w.logger.Info("MCP server recovered")
				w.transition(true, nil)
			case err != nil && w.healthy.Load():
				w.logger.Warn("MCP server became unhealthy", "error", err)
				w.transition(false, err)
			case err != nil:
				w.logger.Debug("MCP server still unhealthy", "error", err)
			}
		}
	}
}

func (w *Watcher) transition(healthy bool, err error) {
	w.healthy.Store(healthy)
	if healthy && w.cfg.OnUp != nil {
		go w.cfg.OnUp()
	}
	if !healthy && w.cfg.OnDown != nil {
		go w.cfg.OnDown(err)
	}
}

// check runs the probe with a timeout and records the outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Policy.ProbeTimeout)
	defer cancel()

	err := w.cfg.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Monitor owns one watcher per server name.
type Monitor struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for cfg.Server, replacing and stopping any
// existing watcher for the same server. The watcher runs until ctx is
// cancelled, Unwatch is called, or the monitor is stopped.
//
// Panics if Server is empty or Probe is nil; both are programming errors.
func (m *Monitor) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Server == "" {
		panic("connwatch: Config.Server must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.Policy = cfg.Policy.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: logger.With("mcp_server", cfg.Server),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Server]
	m.watchers[cfg.Server] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go w.run(watchCtx)
	return w
}

// Unwatch stops and removes the watcher for server. Returns false if
// none was registered.
func (m *Monitor) Unwatch(server string) bool {
	m.mu.Lock()
	w, ok := m.watchers[server]
	delete(m.watchers, server)
	m.mu.Unlock()

	if ok {
		w.Stop()
	}
	return ok
}

// Get returns the watcher for server, or nil.
func (m *Monitor) Get(server string) *Watcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchers[server]
}

// Health returns the status of every watched server, sorted by name.
func (m *Monitor) Health() []Health {
	m.mu.RLock()
	out := make([]Health, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Health())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
