// Package registry tracks the MCP servers a process is connected to.
// A Manager owns one mcp.Session per server name, caches each server's
// tools, persists server configurations through a Store, and guards
// tool calls with a per-server circuit breaker.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mcplink/internal/mcp"
)

// ServerConfig is the persisted description of one MCP server.
type ServerConfig struct {
	Name string            `json:"name"`
	Kind mcp.TransportKind `json:"kind"`

	// Endpoint is the URL, or the command for stdio servers.
	Endpoint string            `json:"endpoint"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Auth     mcp.AuthType      `json:"auth,omitempty"`

	Enabled       bool      `json:"enabled"`
	LastConnected time.Time `json:"last_connected,omitzero"`
}

// Validate checks that the config names a server and an endpoint of a
// known kind.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.Contains(c.Name, ":") {
		return fmt.Errorf("server name %q must not contain ':'", c.Name)
	}
	if _, err := mcp.ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("server %s: endpoint is required", c.Name)
	}
	return nil
}

// TransportConfig converts c into the config for mcp.NewTransport.
func (c ServerConfig) TransportConfig(logger *slog.Logger) mcp.TransportConfig {
	kind, err := mcp.ParseKind(string(c.Kind))
	if err != nil {
		kind = c.Kind
	}
	tc := mcp.TransportConfig{
		Kind:    kind,
		Name:    c.Name,
		Headers: c.Headers,
		Auth:    c.Auth,
		Logger:  logger,
	}
	if kind == mcp.KindStdio {
		tc.Command = c.Endpoint
		tc.Args = c.Args
		tc.Env = c.Env
	} else {
		tc.URL = c.Endpoint
	}
	return tc
}

// ServerInfo summarizes a connected server.
type ServerInfo struct {
	Name            string            `json:"name"`
	Endpoint        string            `json:"endpoint"`
	Kind            mcp.TransportKind `json:"kind"`
	State           string            `json:"state"`
	Connected       bool              `json:"connected"`
	ToolCount       int               `json:"tool_count"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	ServerName      string            `json:"server_name,omitempty"`
	ServerVersion   string            `json:"server_version,omitempty"`
	SessionID       string            `json:"session_id"`
	Breaker         string            `json:"breaker"`
	// BreakerFailures counts consecutive transport failures seen by a
	// closed breaker.
	BreakerFailures uint32 `json:"breaker_failures"`
	// Healthy is nil when no health watcher runs for the server.
	Healthy     *bool  `json:"healthy,omitempty"`
	HealthError string `json:"health_error,omitempty"`
}

// ToolInfo describes one cached remote tool.
type ToolInfo struct {
	Server        string          `json:"server"`
	Name          string          `json:"name"`
	QualifiedName string          `json:"qualified_name"`
	Description   string          `json:"description,omitempty"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
}

// LoadReport is the outcome of LoadSavedServers.
type LoadReport struct {
	Connected []string          `json:"connected"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}
