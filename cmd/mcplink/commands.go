package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/registry"
)

type command struct {
	minArgs int
	usage   string
	run     func(ctx context.Context, e *env, out *printer, args []string) error
}

const connectUsage = "<name> [<kind> <endpoint> [args...]]"

var commands = map[string]command{
	"serve":      {0, "", runServe},
	"connect":    {1, connectUsage, runConnect},
	"disconnect": {1, "<name>", runDisconnect},
	"servers":    {0, "", runServers},
	"tools":      {0, "[server]", runTools},
	"call":       {2, "<server> <tool> [json-args]", runCall},
	"validate":   {2, "<kind> <endpoint> [args...]", runValidate},
	"enable":     {1, "<name>", runEnable},
	"disable":    {1, "<name>", runDisable},
}

// printer renders command results as text tables or indented JSON.
type printer struct {
	w      io.Writer
	format string
}

func (p *printer) json() bool { return p.format == "json" }

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab-separated rows aligned into columns.
func (p *printer) table(header string, rows []string) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, r := range rows {
		fmt.Fprintln(tw, r)
	}
	return tw.Flush()
}

func runConnect(ctx context.Context, e *env, out *printer, args []string) error {
	var cfg registry.ServerConfig
	switch {
	case len(args) == 1:
		s, ok := e.declared(args[0])
		if !ok {
			return fmt.Errorf("server %s is not declared in the config; usage: mcplink connect %s", args[0], connectUsage)
		}
		cfg = serverConfig(s)
	case len(args) >= 3:
		kind, err := mcp.ParseKind(args[1])
		if err != nil {
			return err
		}
		cfg = registry.ServerConfig{Name: args[0], Kind: kind, Endpoint: args[2], Args: args[3:]}
		if s, ok := e.declared(args[0]); ok {
			cfg.Headers = s.Headers
			cfg.Auth = mcp.AuthType(s.Auth)
			cfg.Env = s.Env
		}
	default:
		return fmt.Errorf("usage: mcplink connect %s", connectUsage)
	}

	info, err := e.manager().ConnectServer(ctx, cfg)
	if err != nil {
		return err
	}
	if out.json() {
		return out.encode(info)
	}
	fmt.Fprintf(out.w, "connected %s (%s %s, protocol %s): %d tools\n",
		info.Name, info.ServerName, info.ServerVersion, info.ProtocolVersion, info.ToolCount)
	return nil
}

func runDisconnect(ctx context.Context, e *env, out *printer, args []string) error {
	if err := e.manager().DisconnectServer(ctx, args[0]); err != nil {
		return err
	}
	if out.json() {
		return out.encode(map[string]string{"disconnected": args[0]})
	}
	fmt.Fprintf(out.w, "disconnected %s\n", args[0])
	return nil
}

func runServers(ctx context.Context, e *env, out *printer, _ []string) error {
	saved, err := e.store.List(ctx)
	if err != nil {
		return err
	}
	if out.json() {
		if saved == nil {
			saved = []registry.ServerConfig{}
		}
		return out.encode(saved)
	}

	rows := make([]string, 0, len(saved))
	for _, s := range saved {
		last := "never"
		if !s.LastConnected.IsZero() {
			last = s.LastConnected.Local().Format(time.DateTime)
		}
		endpoint := strings.Join(append([]string{s.Endpoint}, s.Args...), " ")
		rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%t\t%s", s.Name, s.Kind, endpoint, s.Enabled, last))
	}
	return out.table("NAME\tKIND\tENDPOINT\tENABLED\tLAST CONNECTED", rows)
}

// connectSaved connects one saved or declared server.
func connectSaved(ctx context.Context, e *env, name string) (*registry.Manager, error) {
	cfg, err := e.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	mgr := e.manager()
	if _, err := mgr.ConnectServer(ctx, cfg); err != nil {
		return nil, err
	}
	return mgr, nil
}

func runTools(ctx context.Context, e *env, out *printer, args []string) error {
	var server string
	var mgr *registry.Manager
	if len(args) > 0 {
		server = args[0]
		m, err := connectSaved(ctx, e, server)
		if err != nil {
			return err
		}
		mgr = m
	} else {
		mgr = e.manager()
		report := mgr.LoadSavedServers(ctx)
		for name, reason := range report.Failed {
			e.logger.Warn("server unavailable", "mcp_server", name, "error", reason)
		}
	}

	list := mgr.GetTools(server)
	if out.json() {
		if list == nil {
			list = []registry.ToolInfo{}
		}
		return out.encode(list)
	}
	rows := make([]string, 0, len(list))
	for _, t := range list {
		desc, _, _ := strings.Cut(t.Description, "\n")
		rows = append(rows, t.QualifiedName+"\t"+desc)
	}
	return out.table("TOOL\tDESCRIPTION", rows)
}

func runCall(ctx context.Context, e *env, out *printer, args []string) error {
	server, tool := args[0], args[1]
	var toolArgs map[string]any
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
			return fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	mgr, err := connectSaved(ctx, e, server)
	if err != nil {
		return err
	}
	res := mgr.ExecuteTool(ctx, server, tool, toolArgs)

	if out.json() {
		if err := out.encode(res); err != nil {
			return err
		}
		if !res.Success {
			return errCommandFailed
		}
		return nil
	}
	if !res.Success {
		return fmt.Errorf("%s: %w", res.ToolName, res.Err())
	}
	if s, ok := res.Data.(string); ok {
		fmt.Fprintln(out.w, s)
		return nil
	}
	return out.encode(res.Data)
}

func runValidate(ctx context.Context, e *env, out *printer, args []string) error {
	kind, err := mcp.ParseKind(args[0])
	if err != nil {
		return err
	}
	cfg := registry.ServerConfig{Name: "validate", Kind: kind, Endpoint: args[1], Args: args[2:]}
	res := e.manager().ValidateServer(ctx, cfg, 0)

	if out.json() {
		if err := out.encode(res); err != nil {
			return err
		}
	} else {
		status := "ok"
		if !res.Success {
			status = "FAILED"
		}
		fmt.Fprintf(out.w, "%s %s: %s\n", res.Protocol, status, res.Message)
	}
	if !res.Success {
		return errCommandFailed
	}
	return nil
}

func runEnable(ctx context.Context, e *env, out *printer, args []string) error {
	return setEnabled(ctx, e, out, args[0], true)
}

func runDisable(ctx context.Context, e *env, out *printer, args []string) error {
	return setEnabled(ctx, e, out, args[0], false)
}

func setEnabled(ctx context.Context, e *env, out *printer, name string, enabled bool) error {
	if err := e.manager().SetServerEnabled(ctx, name, enabled); err != nil {
		return err
	}
	if out.json() {
		return out.encode(map[string]any{"server": name, "enabled": enabled})
	}
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	fmt.Fprintf(out.w, "%s %s\n", verb, name)
	return nil
}
