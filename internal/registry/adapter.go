package registry

import (
	"context"
	"strings"

	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/tools"
)

// ToolAdapter exposes a remote tool as a tools.Tool by routing every
// call through the Manager, so the adapter keeps working when the
// server reconnects under the same name.
type ToolAdapter struct {
	manager *Manager
	server  string
	tool    mcp.Tool
}

// NewToolAdapter wraps tool as advertised by server.
func NewToolAdapter(m *Manager, server string, tool mcp.Tool) *ToolAdapter {
	return &ToolAdapter{manager: m, server: server, tool: tool}
}

func (a *ToolAdapter) Name() string                  { return mcp.QualifiedName(a.server, a.tool.Name) }
func (a *ToolAdapter) Description() string           { return mcp.Describe(a.server, a.tool) }
func (a *ToolAdapter) Parameters() []tools.Parameter { return mcp.Parameters(a.tool) }

// Execute calls the tool through Manager.ExecuteTool.
func (a *ToolAdapter) Execute(ctx context.Context, args map[string]any) tools.Result {
	return a.manager.ExecuteTool(ctx, a.server, a.tool.Name, args)
}

// BridgeTools registers every cached tool of every connected server in
// reg as "server:tool", replacing what was previously bridged for those
// servers. include and exclude filter by remote tool name and apply to
// all servers. Returns the number of tools registered.
func (m *Manager) BridgeTools(reg *tools.Registry, include, exclude []string) int {
	count := 0
	names := m.serverNames()
	for _, server := range names {
		count += m.BridgeServer(reg, server, include, exclude)
	}
	m.logger.Info("MCP tools bridged", "servers", len(names), "tools", count)
	return count
}

// BridgeServer replaces the tools bridged for one server. A server that
// is no longer registered has its tools removed from reg.
func (m *Manager) BridgeServer(reg *tools.Registry, server string, include, exclude []string) int {
	prefix := server + ":"
	reg.Unregister(func(name string) bool { return strings.HasPrefix(name, prefix) })

	e := m.get(server)
	if e == nil {
		return 0
	}
	m.mu.RLock()
	cached := e.tools
	m.mu.RUnlock()

	count := 0
	for _, t := range mcp.FilterTools(cached, include, exclude) {
		reg.Register(NewToolAdapter(m, server, t))
		count++
	}
	return count
}
