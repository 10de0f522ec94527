package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is a tool advertised by an MCP server in tools/list. The input
// schema is kept raw; helpers decode it on demand.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Schema decodes the input schema. A missing or malformed schema yields
// an empty object schema.
func (t Tool) Schema() *jsonschema.Schema {
	var s jsonschema.Schema
	if len(t.InputSchema) == 0 || json.Unmarshal(t.InputSchema, &s) != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	return &s
}

// Properties returns the schema of each declared parameter.
func (t Tool) Properties() map[string]*jsonschema.Schema {
	props := t.Schema().Properties
	if props == nil {
		return map[string]*jsonschema.Schema{}
	}
	return props
}

// ParameterNames returns the declared parameter names, sorted.
func (t Tool) ParameterNames() []string {
	props := t.Properties()
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Required returns the names of required parameters.
func (t Tool) Required() []string {
	return t.Schema().Required
}

// IsRequired reports whether name is a required parameter.
func (t Tool) IsRequired(name string) bool {
	for _, r := range t.Required() {
		if r == name {
			return true
		}
	}
	return false
}

// ParameterType returns the JSON type of a parameter. Union types
// report their first non-null member. Undeclared or untyped parameters
// are "string".
func (t Tool) ParameterType(name string) string {
	p := t.Properties()[name]
	if p == nil {
		return "string"
	}
	if p.Type != "" {
		return p.Type
	}
	for _, typ := range p.Types {
		if typ != "null" {
			return typ
		}
	}
	return "string"
}

// ParameterDescription returns a parameter's description, or "".
func (t Tool) ParameterDescription(name string) string {
	if p := t.Properties()[name]; p != nil {
		return p.Description
	}
	return ""
}

// MissingArguments returns required parameters absent from args, sorted.
func (t Tool) MissingArguments(args map[string]any) []string {
	var missing []string
	for _, name := range t.Required() {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// ValidateArguments checks args against the input schema. Missing
// required parameters are reported first; the full schema is then
// applied. Schemas that cannot be resolved skip the second step.
// Failures carry CodeInvalidParams.
func (t Tool) ValidateArguments(args map[string]any) error {
	if missing := t.MissingArguments(args); len(missing) > 0 {
		return newError(ErrProtocol, CodeInvalidParams,
			fmt.Sprintf("missing required parameters: %s", strings.Join(missing, ", ")), nil)
	}

	resolved, err := t.Schema().Resolve(nil)
	if err != nil {
		return nil
	}

	// Round-trip through JSON so Go values match what the server sees.
	data, err := json.Marshal(args)
	if err != nil {
		return newError(ErrProtocol, CodeInvalidParams, "arguments are not JSON-encodable", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return newError(ErrProtocol, CodeInvalidParams, "arguments are not JSON-encodable", err)
	}
	if instance == nil {
		instance = map[string]any{}
	}

	if err := resolved.Validate(instance); err != nil {
		return newError(ErrProtocol, CodeInvalidParams, "arguments do not match input schema", err)
	}
	return nil
}

// String renders the tool for logs and CLI listings.
func (t Tool) String() string {
	var params []string
	for _, name := range t.ParameterNames() {
		p := name + ":" + t.ParameterType(name)
		if t.IsRequired(name) {
			p += "*"
		}
		params = append(params, p)
	}
	s := fmt.Sprintf("%s(%s)", t.Name, strings.Join(params, ", "))
	if t.Description != "" {
		s += " - " + t.Description
	}
	return s
}
