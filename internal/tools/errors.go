package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that is not
// present in the registry. This is a capability mismatch (the server was
// disconnected, or the tool never existed), not a transient execution
// failure, so callers should not retry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
