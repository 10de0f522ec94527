// Mcplink connects to Model Context Protocol servers and exposes their
// tools as local tools.
//
// Connected servers are persisted, so one-shot commands can be chained:
// connect once, then list or call tools in later invocations.
// Configuration is optional and discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcplink serve                              Connect all servers and stay running
//	mcplink connect <name> <kind> <endpoint>   Connect and persist a server
//	mcplink disconnect <name>                  Disconnect and forget a server
//	mcplink servers                            List persisted servers
//	mcplink tools [server]                     List remote tools
//	mcplink call <server> <tool> [json]        Call a remote tool
//	mcplink validate <kind> <endpoint>         Check that an endpoint is reachable
//	mcplink enable|disable <name>              Toggle a persisted server
//	mcplink version                            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Command output goes to stdout; logs go
// to stderr so that -o json output stays machine readable. Arguments
// are parsed by hand to keep run free of flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	out := &printer{w: stdout, format: outputFmt}

	switch command {
	case "":
		return printUsage(stdout)
	case "version":
		return runVersion(stdout, outputFmt)
	}

	cmd, ok := commands[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}
	if len(cmdArgs) < cmd.minArgs {
		return fmt.Errorf("usage: mcplink %s %s", command, cmd.usage)
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	}

	env, err := newEnv(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.close()

	return cmd.run(ctx, env, out, cmdArgs)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcplink - Model Context Protocol client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcplink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                                 Connect configured and saved servers, run until signalled")
	fmt.Fprintln(w, "  connect <name> <kind> <endpoint> [..] Connect a server and save it (stdio: extra args are passed to the command)")
	fmt.Fprintln(w, "  disconnect <name>                     Disconnect a server and forget it")
	fmt.Fprintln(w, "  servers                               List saved servers")
	fmt.Fprintln(w, "  tools [server]                        List tools of saved servers")
	fmt.Fprintln(w, "  call <server> <tool> [json-args]      Call a tool")
	fmt.Fprintln(w, "  validate <kind> <endpoint> [..]       Check that an endpoint is reachable")
	fmt.Fprintln(w, "  enable <name> | disable <name>        Toggle whether a saved server is loaded")
	fmt.Fprintln(w, "  version                               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Kinds: http, stdio, stream (sse), websocket (ws)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mcplink.yaml, ~/.config/mcplink/config.yaml, /etc/mcplink/config.yaml")
	return nil
}

// loadConfig locates and parses the configuration file. With no
// explicit path and nothing found in the search paths, defaults plus
// environment overrides are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg := config.Default()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, "", err
		}
		return cfg, "", cfg.Validate()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// errCommandFailed marks a command that printed its own failure report.
var errCommandFailed = errors.New("command failed")
