package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/nugget/mcplink/internal/tools"
)

// Metadata keys attached to tool results.
const (
	MetaServer    = "server"
	MetaTool      = "mcp_tool"
	MetaErrorCode = "error_code"
	MetaErrorData = "error_data"
	MetaIsError   = "is_error"
)

// QualifiedName joins a server and tool name as "server:tool".
func QualifiedName(server, tool string) string {
	return server + ":" + tool
}

// Adapter exposes one remote tool of one session as a tools.Tool.
type Adapter struct {
	session *Session
	tool    Tool
	logger  *slog.Logger
}

// NewAdapter wraps tool, as advertised by session, in a local Tool.
func NewAdapter(session *Session, tool Tool) *Adapter {
	return &Adapter{
		session: session,
		tool:    tool,
		logger:  session.logger.With("mcp_tool", tool.Name),
	}
}

// Name returns "server:tool".
func (a *Adapter) Name() string {
	return QualifiedName(a.session.Name(), a.tool.Name)
}

// Description returns the remote tool's description.
func (a *Adapter) Description() string {
	return Describe(a.session.Name(), a.tool)
}

// Parameters derives the parameter list from the input schema.
func (a *Adapter) Parameters() []tools.Parameter {
	return Parameters(a.tool)
}

// Execute coerces and validates args, calls the remote tool and turns
// the outcome into a Result. It never panics on server misbehaviour.
func (a *Adapter) Execute(ctx context.Context, args map[string]any) tools.Result {
	name := a.Name()
	meta := map[string]any{
		MetaServer: a.session.Name(),
		MetaTool:   a.tool.Name,
	}

	args, err := PrepareArguments(a.tool, args)
	if err != nil {
		return tools.Failure(name, err.Error(), CodeOf(err), meta)
	}

	res, err := a.session.CallTool(ctx, a.tool.Name, args)
	return CallResult(name, res, err, meta, a.logger)
}

// PrepareArguments coerces args to the schema types and validates the
// result. Nil args are treated as an empty object.
func PrepareArguments(t Tool, args map[string]any) (map[string]any, error) {
	args = CoerceArguments(t, args)
	if err := t.ValidateArguments(args); err != nil {
		return nil, err
	}
	return args, nil
}

// Describe returns the tool description, falling back to a generated
// one when the server supplied none.
func Describe(server string, t Tool) string {
	if t.Description != "" {
		return t.Description
	}
	return fmt.Sprintf("MCP tool %s from server %s", t.Name, server)
}

// Parameters converts a tool's input schema into local parameters.
func Parameters(t Tool) []tools.Parameter {
	names := t.ParameterNames()
	params := make([]tools.Parameter, 0, len(names))
	for _, n := range names {
		params = append(params, tools.Parameter{
			Name:        n,
			Type:        t.ParameterType(n),
			Description: t.ParameterDescription(n),
			Required:    t.IsRequired(n),
		})
	}
	return params
}

// CallResult converts the outcome of CallTool into a Result. Peer
// errors render as "MCP Error [code]: message"; results flagged isError
// fail with CodeToolExecutionError.
func CallResult(name string, res *CallToolResult, err error, meta map[string]any, logger *slog.Logger) tools.Result {
	if meta == nil {
		meta = map[string]any{}
	}

	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			meta[MetaErrorCode] = rpcErr.Code
			if rpcErr.Data != nil {
				meta[MetaErrorData] = rpcErr.Data
			}
			return tools.Failure(name,
				fmt.Sprintf("MCP Error [%d]: %s", rpcErr.Code, rpcErr.Message),
				rpcErr.Code, meta)
		}
		code := CodeOf(err)
		if code == 0 {
			code = CodeInternalError
		}
		meta[MetaErrorCode] = code
		return tools.Failure(name, err.Error(), code, meta)
	}

	if res.IsError {
		meta[MetaIsError] = true
		meta[MetaErrorCode] = CodeToolExecutionError
		msg := ContentText(res.Content)
		if msg == "" {
			msg = "tool reported an error"
		}
		return tools.Failure(name, msg, CodeToolExecutionError, meta)
	}

	// No content field at all: hand back the whole result object.
	if res.Content == nil && len(res.Raw) > 0 {
		return tools.Success(name, string(res.Raw), meta)
	}
	return tools.Success(name, DecodeContent(res.Content, logger), meta)
}

// CoerceArguments converts string arguments to the types declared in
// the schema: decimal strings to numbers, "true"/"false" to booleans,
// JSON text to arrays and objects. Scalars are rendered as strings for
// string parameters. Anything else is passed through unchanged for
// validation to accept or reject. The input map is not modified.
func CoerceArguments(t Tool, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	props := t.Properties()
	for k, v := range args {
		if _, declared := props[k]; !declared || v == nil {
			out[k] = v
			continue
		}
		out[k] = coerce(t.ParameterType(k), v)
	}
	return out
}

func coerce(typ string, v any) any {
	if typ == "string" {
		switch v.(type) {
		case map[string]any, []any:
			return v
		}
		if s, err := cast.ToStringE(v); err == nil {
			return s
		}
		return v
	}

	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	switch typ {
	case "integer":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case "array", "object":
		var decoded any
		if json.Unmarshal([]byte(s), &decoded) == nil {
			return decoded
		}
	}
	return v
}

// FilterTools applies include and exclude lists of remote tool names.
// A non-empty include list wins over exclude.
func FilterTools(all []Tool, include, exclude []string) []Tool {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var out []Tool
	for _, t := range all {
		if len(includeSet) > 0 {
			if !includeSet[t.Name] {
				continue
			}
		} else if excludeSet[t.Name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
