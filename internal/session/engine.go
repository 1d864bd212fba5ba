// Package session implements the conversation orchestrator: the engine
// drives provider streaming, tool execution, hooks, and compaction for
// one session; the manager creates, resumes, and forks engines over a
// pluggable store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/compact"
	"github.com/conduit-ai/conduit/internal/event"
	"github.com/conduit-ai/conduit/internal/hook"
	"github.com/conduit-ai/conduit/internal/logging"
	"github.com/conduit-ai/conduit/internal/provider"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/tool"
	"github.com/conduit-ai/conduit/pkg/types"
)

const (
	// MaxTurnSteps caps the agentic loop iterations per Receive call.
	MaxTurnSteps = 50

	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
	maxRetries           = 3
)

// ErrBusy is returned when send or receive is invoked while a receive
// is already in flight. Sessions are single-consumer.
var ErrBusy = errors.New("session: receive already in progress")

// Deps are the collaborators an engine runs with. Store and Bus may be
// nil; the others are required.
type Deps struct {
	Provider  provider.Provider
	Tools     *tool.Registry
	Hooks     *hook.Manager
	Compactor *compact.Compactor
	Store     storage.SessionStore
	Bus       *event.Bus
}

// Engine owns one session. Send appends user input; Receive drives the
// provider stream and the tool-calling loop, yielding events to the
// caller. Send and Receive must not run concurrently on one engine.
type Engine struct {
	session *types.Session
	deps    Deps
	log     zerolog.Logger

	mu   sync.Mutex
	busy bool
}

// NewEngine wraps a session with its collaborators.
func NewEngine(session *types.Session, deps Deps) *Engine {
	return &Engine{
		session: session,
		deps:    deps,
		log:     logging.Component("session").With().Str("session", session.ID).Logger(),
	}
}

// Session returns the underlying session.
func (e *Engine) Session() *types.Session {
	return e.session
}

// Send appends a user message to the history.
func (e *Engine) Send(msg types.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return ErrBusy
	}
	e.session.Messages = append(e.session.Messages, msg)
	e.session.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// SendText appends a user text message.
func (e *Engine) SendText(text string) error {
	return e.Send(types.NewUserMessage(text))
}

// Receive runs one turn: stream the model's reply, execute requested
// tools, and continue until a turn produces no tool calls or a hook
// halts it. Events arrive through the returned pull stream; the
// producer suspends at each yield. Cancel ctx to abort; partial events
// and usage are preserved.
func (e *Engine) Receive(ctx context.Context) (*Stream, error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.busy = true
	e.mu.Unlock()

	stream := newEventStream()
	go func() {
		defer func() {
			e.mu.Lock()
			e.busy = false
			e.mu.Unlock()
			stream.finish()
		}()
		e.run(ctx, stream)
	}()
	return stream, nil
}

func (e *Engine) run(ctx context.Context, stream *Stream) {
	maxSteps := e.session.Config.MaxTurnSteps
	if maxSteps <= 0 {
		maxSteps = MaxTurnSteps
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			// Cancellation is cooperative shutdown, not failure.
			e.persist(ctx)
			stream.emit(Event{Type: EventStop, StopReason: "cancelled"})
			return
		}
		if step >= maxSteps {
			stream.emit(Event{Type: EventError, Err: "maximum turn steps reached"})
			stream.emit(Event{Type: EventStop, StopReason: "max_steps"})
			return
		}

		if step > 0 {
			if c := e.compactor(); c != nil && c.NeedsCompaction(e.session.Messages) {
				e.compactHistory(c)
			}
		}

		assistant, err := e.streamTurn(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				e.persist(ctx)
				stream.emit(Event{Type: EventStop, StopReason: "cancelled"})
				return
			}
			stream.emit(Event{Type: EventError, Err: err.Error()})
			stream.emit(Event{Type: EventStop, StopReason: "error"})
			return
		}
		if assistant == nil {
			// Consumer walked away mid-stream.
			return
		}

		e.session.Messages = append(e.session.Messages, assistant.message())
		e.session.Usage.Add(assistant.usage)
		e.session.UpdatedAt = time.Now().UnixMilli()
		e.persist(ctx)

		last := &e.session.Messages[len(e.session.Messages)-1]
		if e.deps.Bus != nil {
			e.deps.Bus.Publish(event.Event{
				Type: event.MessageCreated,
				Data: event.MessageData{SessionID: e.session.ID, Message: *last},
			})
		}
		if !stream.emit(Event{Type: EventMessage, Message: last}) {
			return
		}

		toolUses := last.ToolUses()
		if len(toolUses) == 0 {
			reason := string(assistant.stopReason)
			if reason == "" {
				reason = string(types.StopEndTurn)
			}
			usage := e.session.Usage
			stream.emit(Event{Type: EventStop, StopReason: reason, Usage: &usage})
			return
		}

		results, hookContext, halt, haltReason := e.executeTools(ctx, stream, toolUses)
		if results == nil && !halt {
			return
		}
		if len(results) > 0 {
			e.session.Messages = append(e.session.Messages, types.Message{
				Role:    types.RoleUser,
				Content: results,
			})
			if len(hookContext) > 0 {
				// Hook-provided context rides in its own message so the
				// tool_result blocks stay verbatim tool output.
				blocks := make([]types.ContentBlock, 0, len(hookContext))
				for _, text := range hookContext {
					blocks = append(blocks, &types.TextBlock{Text: text})
				}
				e.session.Messages = append(e.session.Messages, types.Message{
					Role:    types.RoleUser,
					Content: blocks,
				})
			}
			e.persist(ctx)
		}
		if halt {
			stream.emit(Event{Type: EventStop, StopReason: haltReason})
			return
		}
	}
}

// streamTurn performs one provider call with retry and forwards its
// events. Returns a nil assembler when the consumer closed the stream.
func (e *Engine) streamTurn(ctx context.Context, stream *Stream) (*assembler, error) {
	req := &provider.Request{
		Model:       e.session.Config.Model,
		System:      e.session.Config.SystemPrompt,
		Messages:    e.session.Messages,
		MaxTokens:   e.session.Config.MaxTokens,
		Temperature: e.session.Config.Temperature,
	}
	if e.deps.Tools != nil {
		req.Tools = e.deps.Tools.Definitions()
	}

	retry := newRetryBackoff(ctx)
	for {
		ps, err := e.deps.Provider.Stream(ctx, req)
		if err == nil {
			asm, serr := e.forwardStream(ctx, ps, stream)
			if serr == nil {
				return asm, nil
			}
			err = serr
		}

		if ctx.Err() != nil {
			return nil, err
		}
		next := retry.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		e.log.Warn().Err(err).Dur("backoff", next).Msg("provider call failed, retrying")
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// forwardStream drains one provider stream, assembling the assistant
// message and forwarding text deltas and tool announcements. A nil
// assembler with nil error means the consumer went away.
func (e *Engine) forwardStream(ctx context.Context, ps *provider.Stream, stream *Stream) (*assembler, error) {
	defer ps.Close()

	asm := &assembler{}
	for {
		ev, err := ps.Recv()
		if err == io.EOF {
			return asm, nil
		}
		if err != nil {
			return nil, err
		}

		if ev.Type == types.EventError {
			return nil, fmt.Errorf("provider stream error: %s", ev.Err)
		}

		asm.apply(ev)

		switch ev.Type {
		case types.EventContentBlockDelta:
			if asm.openText != nil {
				if !stream.emit(Event{Type: EventText, Text: ev.Delta}) {
					return nil, nil
				}
			}
		case types.EventContentBlockStop:
			if n := len(asm.blocks); n > 0 {
				if tu, ok := asm.blocks[n-1].(*types.ToolUseBlock); ok {
					if !stream.emit(Event{Type: EventToolUse, ToolUse: tu}) {
						return nil, nil
					}
				}
			}
		}
	}
}

// executeTools runs every requested tool through the hook pipeline,
// guaranteeing exactly one tool_result per tool_use. Hook-provided
// additional context is collected for the caller to append as a
// separate message after the tool results. It reports whether a hook
// halted the turn.
func (e *Engine) executeTools(ctx context.Context, stream *Stream, toolUses []*types.ToolUseBlock) (results []types.ContentBlock, hookContext []string, halt bool, haltReason string) {
	for _, tu := range toolUses {
		if halt {
			// A halted turn still answers the remaining tool calls so
			// the history stays consistent.
			results = append(results, &types.ToolResultBlock{
				ToolUseID: tu.ID,
				Content:   "Tool execution halted: " + haltReason,
				IsError:   true,
			})
			continue
		}

		result, extra, halted, reason := e.executeTool(ctx, stream, tu)
		if result == nil {
			return nil, nil, false, ""
		}
		results = append(results, result)
		hookContext = append(hookContext, extra...)
		if !stream.emit(Event{Type: EventToolResult, ToolResult: result}) {
			return nil, nil, false, ""
		}
		if halted {
			halt = true
			haltReason = reason
		}
	}
	return results, hookContext, halt, haltReason
}

func (e *Engine) executeTool(ctx context.Context, stream *Stream, tu *types.ToolUseBlock) (*types.ToolResultBlock, []string, bool, string) {
	input := tu.Input

	var pre *hook.Result
	if e.deps.Hooks != nil {
		pre = e.deps.Hooks.Run(ctx, &hook.Input{
			SessionID: e.session.ID,
			Event:     hook.EventPreToolUse,
			ToolName:  tu.Name,
			ToolUseID: tu.ID,
			ToolInput: input,
		})
		if !e.emitSystemMessages(stream, pre.SystemMessages) {
			return nil, nil, false, ""
		}
		if !pre.Continue {
			reason := pre.StopReason
			if reason == "" {
				reason = "halted by hook"
			}
			return &types.ToolResultBlock{
				ToolUseID: tu.ID,
				Content:   "Tool execution halted: " + reason,
				IsError:   true,
			}, nil, true, reason
		}
		switch pre.Decision {
		case hook.DecisionDeny, hook.DecisionAsk:
			// Without an interactive approver, ask is deny.
			reason := pre.Reason
			if reason == "" {
				reason = "denied by hook"
			}
			return &types.ToolResultBlock{
				ToolUseID: tu.ID,
				Content:   "Tool call denied: " + reason,
				IsError:   true,
			}, nil, false, ""
		}
		if pre.UpdatedInput != nil {
			input = pre.UpdatedInput
		}
	}

	result := e.invoke(ctx, tu, input)

	if e.deps.Hooks != nil {
		post := e.deps.Hooks.Run(ctx, &hook.Input{
			SessionID:    e.session.ID,
			Event:        hook.EventPostToolUse,
			ToolName:     tu.Name,
			ToolUseID:    tu.ID,
			ToolInput:    input,
			ToolResponse: result.Content,
		})
		if !e.emitSystemMessages(stream, post.SystemMessages) {
			return nil, nil, false, ""
		}
		if !post.Continue {
			reason := post.StopReason
			if reason == "" {
				reason = "halted by hook"
			}
			return result, post.AdditionalContext, true, reason
		}
		return result, post.AdditionalContext, false, ""
	}

	return result, nil, false, ""
}

// emitSystemMessages surfaces hook system messages to the consumer. It
// returns false when the consumer has gone away.
func (e *Engine) emitSystemMessages(stream *Stream, msgs []string) bool {
	for _, msg := range msgs {
		if !stream.emit(Event{Type: EventSystem, Text: msg}) {
			return false
		}
	}
	return true
}

// invoke runs the tool itself. Tool failures become is_error results,
// never loop failures.
func (e *Engine) invoke(ctx context.Context, tu *types.ToolUseBlock, input map[string]any) *types.ToolResultBlock {
	if e.deps.Tools == nil {
		return &types.ToolResultBlock{ToolUseID: tu.ID, Content: "no tools available", IsError: true}
	}
	t, ok := e.deps.Tools.Get(tu.Name)
	if !ok {
		return &types.ToolResultBlock{
			ToolUseID: tu.ID,
			Content:   fmt.Sprintf("unknown tool: %s", tu.Name),
			IsError:   true,
		}
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return &types.ToolResultBlock{
			ToolUseID: tu.ID,
			Content:   fmt.Sprintf("unencodable tool input: %v", err),
			IsError:   true,
		}
	}

	res, err := t.Execute(ctx, raw, &tool.Context{SessionID: e.session.ID, CallID: tu.ID})
	if err != nil {
		e.log.Warn().Str("tool", tu.Name).Err(err).Msg("tool execution failed")
		return &types.ToolResultBlock{
			ToolUseID: tu.ID,
			Content:   fmt.Sprintf("tool failed: %v", err),
			IsError:   true,
		}
	}
	return &types.ToolResultBlock{ToolUseID: tu.ID, Content: res.Output, IsError: res.IsError}
}

// compactor applies the session's context budget when one is set,
// otherwise the shared defaults.
func (e *Engine) compactor() *compact.Compactor {
	if e.deps.Compactor == nil {
		return nil
	}
	return e.deps.Compactor.WithBudget(e.session.Config.ContextTokens)
}

// compactHistory prefers pruning old tool outputs; when that is not
// enough it falls back to hard compaction.
func (e *Engine) compactHistory(c *compact.Compactor) {
	pruned, changed := c.PruneToolOutputs(e.session.Messages)
	if changed {
		e.session.Messages = pruned
	}
	if c.NeedsCompaction(e.session.Messages) {
		e.session.Messages = c.Compact(e.session.Messages, "")
	}
	e.session.UpdatedAt = time.Now().UnixMilli()
}

func (e *Engine) persist(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.Save(context.WithoutCancel(ctx), e.session); err != nil {
		e.log.Error().Err(err).Msg("failed to persist session")
	}
}

// newRetryBackoff builds the exponential backoff with jitter used for
// provider call retries.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}
