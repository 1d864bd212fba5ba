// Package hook implements the lifecycle-hook pipeline. Callers register
// matchers per event; the manager runs the matching hooks sequentially,
// each under its own timeout, and merges their decisions.
package hook

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Event names a lifecycle point hooks can attach to.
type Event string

const (
	EventPreToolUse       Event = "PreToolUse"
	EventPostToolUse      Event = "PostToolUse"
	EventUserPromptSubmit Event = "UserPromptSubmit"
	EventStop             Event = "Stop"
	EventPreCompact       Event = "PreCompact"
)

// Decision is a hook's permission verdict for a tool call.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// rank orders decisions for merging: deny > ask > allow.
func (d Decision) rank() int {
	switch d {
	case DecisionDeny:
		return 2
	case DecisionAsk:
		return 1
	default:
		return 0
	}
}

// Input is what a hook sees at its lifecycle point. Fields are populated
// per event: tool fields for PreToolUse/PostToolUse, Prompt for
// UserPromptSubmit.
type Input struct {
	SessionID    string
	Event        Event
	ToolName     string
	ToolUseID    string
	ToolInput    map[string]any
	ToolResponse string
	Prompt       string
}

// Output is one hook's contribution to the merged result. A nil Output
// is a no-op.
type Output struct {
	Decision          Decision
	Reason            string
	UpdatedInput      map[string]any
	AdditionalContext string
	SystemMessage     string

	// Continue set to false halts the event's remaining hooks and the
	// turn; StopReason travels with it.
	Continue   *bool
	StopReason string
}

// Func is a single hook callback. The context carries the per-hook
// timeout and the turn's cancellation.
type Func func(ctx context.Context, input *Input) (*Output, error)

// Matcher binds hooks to an event. A nil MatcherRegex applies
// unconditionally; otherwise the regex is tested against the tool name.
type Matcher struct {
	MatcherRegex *regexp.Regexp
	Hooks        []Func
	Timeout      time.Duration
}

func (m Matcher) applies(toolName string) bool {
	return m.MatcherRegex == nil || m.MatcherRegex.MatchString(toolName)
}

// TimeoutError marks a hook that exceeded its own timeout. It is fatal
// only to that hook, never to its siblings.
type TimeoutError struct {
	Event   Event
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hook: %s hook timed out after %s", e.Event, e.Timeout)
}

// Result is the merged outcome of all hooks for one event.
type Result struct {
	Decision          Decision
	Reason            string
	UpdatedInput      map[string]any
	AdditionalContext []string
	SystemMessages    []string

	// Continue is false when some hook halted the turn.
	Continue   bool
	StopReason string
}
