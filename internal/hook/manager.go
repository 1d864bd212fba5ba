package hook

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/logging"
)

const defaultTimeout = 60 * time.Second

// Manager holds the registered matchers and runs them. It is an
// explicit collaborator passed into the session engine, not ambient
// process state.
type Manager struct {
	matchers map[Event][]Matcher
	log      zerolog.Logger
}

// NewManager creates an empty hook manager.
func NewManager() *Manager {
	return &Manager{
		matchers: make(map[Event][]Matcher),
		log:      logging.Component("hook"),
	}
}

// Add registers a matcher for an event. Matchers run in registration
// order.
func (m *Manager) Add(event Event, matcher Matcher) {
	m.matchers[event] = append(m.matchers[event], matcher)
}

// Run executes every hook whose matcher applies to the tool name and
// merges their outputs. Hooks run sequentially; a hook that errors is
// logged and skipped, a hook that times out fails alone, and a hook
// returning continue:false short-circuits the rest.
//
// Merge rule for decisions: deny > ask > allow. UpdatedInput is honored
// only when the final merged decision is allow.
func (m *Manager) Run(ctx context.Context, input *Input) *Result {
	result := &Result{Decision: DecisionAllow, Continue: true}
	var updatedInput map[string]any

	for _, matcher := range m.matchers[input.Event] {
		if !matcher.applies(input.ToolName) {
			continue
		}
		timeout := matcher.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		for _, fn := range matcher.Hooks {
			out, err := m.runOne(ctx, fn, input, timeout)
			if err != nil {
				// An erroring hook is a no-op, not a turn failure.
				var te *TimeoutError
				if errors.As(err, &te) {
					m.log.Warn().Str("event", string(input.Event)).Dur("timeout", te.Timeout).Msg("hook timed out")
				} else {
					m.log.Warn().Str("event", string(input.Event)).Err(err).Msg("hook failed")
				}
				continue
			}
			if out == nil {
				continue
			}

			if out.Decision != "" && out.Decision.rank() >= result.Decision.rank() {
				result.Decision = out.Decision
				if out.Reason != "" {
					result.Reason = out.Reason
				}
			}
			if out.UpdatedInput != nil {
				updatedInput = out.UpdatedInput
			}
			if out.AdditionalContext != "" {
				result.AdditionalContext = append(result.AdditionalContext, out.AdditionalContext)
			}
			if out.SystemMessage != "" {
				result.SystemMessages = append(result.SystemMessages, out.SystemMessage)
			}

			if out.Continue != nil && !*out.Continue {
				result.Continue = false
				result.StopReason = out.StopReason
				if result.Decision == DecisionAllow {
					result.UpdatedInput = updatedInput
				}
				return result
			}
		}
	}

	if result.Decision == DecisionAllow {
		result.UpdatedInput = updatedInput
	}
	return result
}

// runOne races a single hook against its timeout. A timeout or
// cancellation abandons the hook goroutine; its eventual return is
// discarded.
func (m *Manager) runOne(ctx context.Context, fn Func, input *Input, timeout time.Duration) (*Output, error) {
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		out *Output
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := fn(hookCtx, input)
		done <- reply{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-hookCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Event: input.Event, Timeout: timeout}
	}
}
