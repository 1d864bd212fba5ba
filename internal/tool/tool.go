// Package tool provides the tool framework the session engine executes
// model-requested tool calls through.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// ID returns the tool identifier the model calls it by.
	ID() string

	// Description returns the tool description sent to the model.
	Description() string

	// Parameters returns the JSON Schema for the tool input.
	Parameters() json.RawMessage

	// Execute runs the tool. The context carries the turn's
	// cancellation; tools must honor it on every exit path.
	Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error)
}

// Context provides execution context to tools.
type Context struct {
	SessionID string
	CallID    string
	WorkDir   string
}

// Result is the output of a tool execution. Errors the model should see
// travel in IsError + Output; Go errors returned from Execute mean the
// invocation itself broke.
type Result struct {
	Title    string         `json:"title"`
	Output   string         `json:"output"`
	IsError  bool           `json:"isError,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Errorf builds an is_error result the conversation can continue from.
func Errorf(format string, args ...any) *Result {
	return &Result{Output: fmt.Sprintf(format, args...), IsError: true}
}
