package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/nugget/mcplink/internal/opstate"
)

// Store persists server configurations across restarts.
type Store interface {
	Save(ctx context.Context, cfg ServerConfig) error
	// Delete removes a config. Missing names are not an error.
	Delete(ctx context.Context, name string) error
	// Get returns the config for name and whether it exists.
	Get(ctx context.Context, name string) (ServerConfig, bool, error)
	// List returns every config sorted by name.
	List(ctx context.Context) ([]ServerConfig, error)
}

// serversNamespace is the opstate namespace holding server configs.
const serversNamespace = "mcp_servers"

// OpStateStore keeps configs as JSON values in an opstate namespace.
type OpStateStore struct {
	state *opstate.Store
}

// NewOpStateStore wraps an opened opstate store.
func NewOpStateStore(state *opstate.Store) *OpStateStore {
	return &OpStateStore{state: state}
}

func (s *OpStateStore) Save(ctx context.Context, cfg ServerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", cfg.Name, err)
	}
	return s.state.Set(ctx, serversNamespace, cfg.Name, string(data))
}

func (s *OpStateStore) Delete(ctx context.Context, name string) error {
	return s.state.Delete(ctx, serversNamespace, name)
}

func (s *OpStateStore) Get(ctx context.Context, name string) (ServerConfig, bool, error) {
	raw, err := s.state.Get(ctx, serversNamespace, name)
	if err != nil || raw == "" {
		return ServerConfig{}, false, err
	}
	var cfg ServerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ServerConfig{}, false, fmt.Errorf("decode server %s: %w", name, err)
	}
	return cfg, true, nil
}

func (s *OpStateStore) List(ctx context.Context) ([]ServerConfig, error) {
	entries, err := s.state.List(ctx, serversNamespace)
	if err != nil {
		return nil, err
	}
	return decodeConfigs(entries)
}

// decodeConfigs decodes name→JSON entries, sorted by name.
func decodeConfigs(entries map[string]string) ([]ServerConfig, error) {
	names := slices.Sorted(maps.Keys(entries))
	out := make([]ServerConfig, 0, len(names))
	for _, name := range names {
		var cfg ServerConfig
		if err := json.Unmarshal([]byte(entries[name]), &cfg); err != nil {
			return nil, fmt.Errorf("decode server %s: %w", name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// MemoryStore keeps configs in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{servers: make(map[string]ServerConfig)}
}

func (s *MemoryStore) Save(_ context.Context, cfg ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[cfg.Name] = cloneConfig(cfg)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (ServerConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.servers[name]
	return cloneConfig(cfg), ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]ServerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerConfig, 0, len(s.servers))
	for _, cfg := range s.servers {
		out = append(out, cloneConfig(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cloneConfig(c ServerConfig) ServerConfig {
	c.Args = slices.Clone(c.Args)
	c.Env = maps.Clone(c.Env)
	c.Headers = maps.Clone(c.Headers)
	return c
}
