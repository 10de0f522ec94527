// Package tools defines the local tool capability that agents and
// orchestrators call. Remote MCP tools are exposed through the same
// interface by the adapters in the mcp and registry packages, so callers
// cannot tell a remote tool from a local one.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Parameter describes one named argument a tool accepts.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Error is the failure half of a Result. Code carries the JSON-RPC or
// MCP error code when one is known, zero otherwise.
type Error struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[%d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Result is the outcome of a single tool execution. It is produced once
// and never mutated.
type Result struct {
	ToolName string         `json:"tool"`
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *Error         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Success builds a successful Result.
func Success(toolName string, data any, metadata map[string]any) Result {
	return Result{ToolName: toolName, Success: true, Data: data, Metadata: metadata}
}

// Failure builds a failed Result with the given message and code.
func Failure(toolName, message string, code int, metadata map[string]any) Result {
	return Result{
		ToolName: toolName,
		Error:    &Error{Message: message, Code: code},
		Metadata: metadata,
	}
}

// Err returns the failure as an error, or nil for successful results.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return &Error{Message: "tool failed"}
	}
	return r.Error
}

// Tool is a callable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Execute(ctx context.Context, args map[string]any) Result
}

// Func adapts a plain handler into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Params   []Parameter
	Handler  func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string            { return f.ToolName }
func (f *Func) Description() string     { return f.Desc }
func (f *Func) Parameters() []Parameter { return f.Params }

// Execute runs the handler and wraps its outcome in a Result.
func (f *Func) Execute(ctx context.Context, args map[string]any) Result {
	data, err := f.Handler(ctx, args)
	if err != nil {
		return Failure(f.ToolName, err.Error(), 0, nil)
	}
	return Success(f.ToolName, data, nil)
}

// FunctionSchema renders a tool as an OpenAI-style function definition
// suitable for LLM tool calling.
func FunctionSchema(t Tool) map[string]any {
	props := make(map[string]any)
	required := []string{}
	for _, p := range t.Parameters() {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)

	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        FunctionName(t.Name()),
			"description": t.Description(),
			"parameters": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		},
	}
}

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// FunctionName converts a tool name such as "github:create-issue" into
// an identifier accepted by LLM function-calling APIs
// ("github_create_issue").
func FunctionName(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes every tool whose name satisfies match and returns
// how many were removed.
func (r *Registry) Unregister(match func(name string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name := range r.tools {
		if match(name) {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the function schemas of every tool, ordered by name.
func (r *Registry) List() []map[string]any {
	names := r.Names()
	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		if t := r.Get(name); t != nil {
			result = append(result, FunctionSchema(t))
		}
	}
	return result
}

// Execute runs a tool by name with JSON-encoded arguments.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) Result {
	t := r.Get(name)
	if t == nil {
		return Failure(name, (&ErrToolUnavailable{ToolName: name}).Error(), 0, nil)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return Failure(name, fmt.Sprintf("invalid arguments: %v", err), 0, nil)
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	return t.Execute(ctx, args)
}
