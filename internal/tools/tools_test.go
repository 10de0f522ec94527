package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func echoTool(name string) *Func {
	return &Func{
		ToolName: name,
		Desc:     "echoes its input",
		Params: []Parameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
			{Name: "count", Type: "integer"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			if text == "" {
				return nil, fmt.Errorf("text is required")
			}
			return text, nil
		},
	}
}

func TestRegistry_RegisterGet(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))

	if r.Get("echo") == nil {
		t.Fatal("Get(echo) = nil")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}

	// Re-registering replaces rather than duplicates.
	r.Register(echoTool("echo"))
	if got := len(r.Names()); got != 1 {
		t.Errorf("len(Names()) = %d, want 1", got)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("github:create_issue"))
	r.Register(echoTool("github:list_repos"))
	r.Register(echoTool("fs:read"))

	n := r.Unregister(func(name string) bool { return strings.HasPrefix(name, "github:") })
	if n != 2 {
		t.Errorf("Unregister removed %d, want 2", n)
	}
	names := r.Names()
	if len(names) != 1 || names[0] != "fs:read" {
		t.Errorf("Names() = %v, want [fs:read]", names)
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo"))
	ctx := context.Background()

	tests := []struct {
		name        string
		tool        string
		args        string
		wantSuccess bool
		wantData    any
		wantErrPart string
	}{
		{"success", "echo", `{"text":"hi"}`, true, "hi", ""},
		{"handler error", "echo", `{}`, false, nil, "text is required"},
		{"empty args", "echo", "", false, nil, "text is required"},
		{"bad json", "echo", `{not json`, false, nil, "invalid arguments"},
		{"unknown tool", "nope", `{}`, false, nil, `tool "nope" is not available`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(ctx, tt.tool, tt.args)
			if res.Success != tt.wantSuccess {
				t.Fatalf("Success = %v, want %v (error: %v)", res.Success, tt.wantSuccess, res.Err())
			}
			if res.ToolName != tt.tool {
				t.Errorf("ToolName = %q, want %q", res.ToolName, tt.tool)
			}
			if tt.wantSuccess {
				if res.Data != tt.wantData {
					t.Errorf("Data = %v, want %v", res.Data, tt.wantData)
				}
				if res.Err() != nil {
					t.Errorf("Err() = %v, want nil", res.Err())
				}
				return
			}
			if res.Error == nil || !strings.Contains(res.Error.Message, tt.wantErrPart) {
				t.Errorf("Error = %v, want message containing %q", res.Error, tt.wantErrPart)
			}
		})
	}
}

func TestFunctionName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"github:create_issue", "github_create_issue"},
		{"Home-Assistant:get.state", "home_assistant_get_state"},
		{"a::b", "a_b"},
		{"_x_", "x"},
		{"simple", "simple"},
	}
	for _, tt := range tests {
		if got := FunctionName(tt.in); got != tt.want {
			t.Errorf("FunctionName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFunctionSchema(t *testing.T) {
	schema := FunctionSchema(echoTool("srv:echo"))

	if schema["type"] != "function" {
		t.Errorf("type = %v, want function", schema["type"])
	}
	fn := schema["function"].(map[string]any)
	if fn["name"] != "srv_echo" {
		t.Errorf("name = %v, want srv_echo", fn["name"])
	}
	params := fn["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	if len(props) != 2 {
		t.Errorf("len(properties) = %d, want 2", len(props))
	}
	req := params["required"].([]string)
	if len(req) != 1 || req[0] != "text" {
		t.Errorf("required = %v, want [text]", req)
	}
}

func TestRegistry_ListOrdered(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("b"))
	r.Register(echoTool("a"))

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	first := list[0]["function"].(map[string]any)["name"]
	if first != "a" {
		t.Errorf("first tool = %v, want a", first)
	}
}

func TestResult_Err(t *testing.T) {
	ok := Success("t", 1, nil)
	if ok.Err() != nil {
		t.Errorf("Success.Err() = %v, want nil", ok.Err())
	}

	fail := Failure("t", "boom", -32002, map[string]any{"server": "s"})
	err := fail.Err()
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("Err() = %T, want *Error", err)
	}
	if te.Code != -32002 {
		t.Errorf("Code = %d, want -32002", te.Code)
	}
	if got := err.Error(); got != "[-32002] boom" {
		t.Errorf("Error() = %q", got)
	}

	if (Result{}).Err() == nil {
		t.Error("zero Result should report an error")
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("tool execution: %w", &ErrToolUnavailable{ToolName: "github:issue"})

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "github:issue" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "github:issue")
	}
}
