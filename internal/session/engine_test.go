package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-ai/conduit/internal/compact"
	"github.com/conduit-ai/conduit/internal/hook"
	"github.com/conduit-ai/conduit/internal/provider"
	"github.com/conduit-ai/conduit/internal/tool"
	"github.com/conduit-ai/conduit/pkg/types"
)

// scriptedProvider replays one canned event sequence per Stream call
// and records the requests it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]types.StreamEvent
	errs     []error
	calls    int
	requests []*provider.Request
}

func (p *scriptedProvider) ID() string                     { return "scripted" }
func (p *scriptedProvider) Name() string                   { return "Scripted" }
func (p *scriptedProvider) SupportsModel(model string) bool { return true }

func (p *scriptedProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) Stream(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *req
	copied.Messages = append([]types.Message(nil), req.Messages...)
	p.requests = append(p.requests, &copied)

	call := p.calls
	p.calls++
	if call < len(p.errs) && p.errs[call] != nil {
		return nil, p.errs[call]
	}
	if call >= len(p.turns) {
		return nil, errors.New("unexpected extra provider call")
	}
	return provider.NewEventStream(p.turns[call]...), nil
}

func textTurn(text string, usage *types.UsageInfo) []types.StreamEvent {
	return []types.StreamEvent{
		{Type: types.EventMessageStart, Usage: usage},
		{Type: types.EventContentBlockStart, Index: 0, Block: &types.TextBlock{}},
		{Type: types.EventContentBlockDelta, Index: 0, Delta: text},
		{Type: types.EventContentBlockStop, Index: 0},
		{Type: types.EventMessageDelta, StopReason: types.StopEndTurn},
		{Type: types.EventMessageStop},
	}
}

func toolTurn(id, name, args string) []types.StreamEvent {
	return []types.StreamEvent{
		{Type: types.EventMessageStart},
		{Type: types.EventContentBlockStart, Index: 0, Block: &types.ToolUseBlock{ID: id, Name: name}},
		{Type: types.EventContentBlockDelta, Index: 0, Delta: args},
		{Type: types.EventContentBlockStop, Index: 0},
		{Type: types.EventMessageDelta, StopReason: types.StopToolUse},
		{Type: types.EventMessageStop},
	}
}

// echoTool records invocations and echoes its input back.
type echoTool struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (e *echoTool) ID() string                  { return "echo" }
func (e *echoTool) Description() string         { return "echoes input" }
func (e *echoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	var parsed map[string]any
	_ = json.Unmarshal(input, &parsed)
	e.mu.Lock()
	e.calls = append(e.calls, parsed)
	e.mu.Unlock()
	return &tool.Result{Output: "echo: " + string(input)}, nil
}

func newTestEngine(t *testing.T, prov provider.Provider, deps Deps) *Engine {
	t.Helper()
	deps.Provider = prov
	session := &types.Session{
		ID:     "ses_test",
		Config: types.SessionConfig{Model: "scripted-model"},
	}
	return NewEngine(session, deps)
}

func drainEngine(t *testing.T, e *Engine) []Event {
	t.Helper()
	stream, err := e.Receive(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	var events []Event
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestEngine_PlainTextTurn(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		textTurn("4", &types.UsageInfo{InputTokens: 10, OutputTokens: 1}),
	}}
	e := newTestEngine(t, prov, Deps{})
	require.NoError(t, e.SendText("what is 2+2?"))

	events := drainEngine(t, e)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventStop, last.Type)
	assert.Equal(t, "end_turn", last.StopReason)

	var text string
	for _, ev := range events {
		if ev.Type == EventText {
			text += ev.Text
		}
	}
	assert.Equal(t, "4", text)

	require.Len(t, e.Session().Messages, 2)
	assert.Equal(t, types.RoleAssistant, e.Session().Messages[1].Role)
	assert.Equal(t, 11, e.Session().Usage.Total())
}

func TestEngine_ToolCallingLoop(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "echo", `{"value":"hello"}`),
		textTurn("done", nil),
	}}
	echo := &echoTool{}
	registry := tool.NewRegistry()
	registry.Register(echo)

	e := newTestEngine(t, prov, Deps{Tools: registry})
	require.NoError(t, e.SendText("use the tool"))

	events := drainEngine(t, e)

	// One tool_use, exactly one execution, one tool_result, one
	// re-query, then end_turn.
	var toolUses, toolResults int
	for _, ev := range events {
		switch ev.Type {
		case EventToolUse:
			toolUses++
			assert.Equal(t, "echo", ev.ToolUse.Name)
			assert.Equal(t, "hello", ev.ToolUse.Input["value"])
		case EventToolResult:
			toolResults++
			assert.Equal(t, "toolu_1", ev.ToolResult.ToolUseID)
			assert.False(t, ev.ToolResult.IsError)
		}
	}
	assert.Equal(t, 1, toolUses)
	assert.Equal(t, 1, toolResults)
	assert.Len(t, echo.calls, 1)
	assert.Equal(t, 2, prov.calls)

	// The re-query saw the tool result in history.
	second := prov.requests[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	require.Equal(t, types.RoleUser, lastMsg.Role)
	tr, ok := lastMsg.Content[0].(*types.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", tr.ToolUseID)

	assert.Equal(t, "end_turn", events[len(events)-1].StopReason)
}

func TestEngine_DeniedToolGetsErrorResult(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "echo", `{}`),
		textTurn("understood", nil),
	}}
	echo := &echoTool{}
	registry := tool.NewRegistry()
	registry.Register(echo)

	hooks := hook.NewManager()
	hooks.Add(hook.EventPreToolUse, hook.Matcher{Hooks: []hook.Func{
		func(ctx context.Context, input *hook.Input) (*hook.Output, error) {
			return &hook.Output{Decision: hook.DecisionDeny, Reason: "policy"}, nil
		},
	}})

	e := newTestEngine(t, prov, Deps{Tools: registry, Hooks: hooks})
	require.NoError(t, e.SendText("use the tool"))

	events := drainEngine(t, e)

	var result *types.ToolResultBlock
	for _, ev := range events {
		if ev.Type == EventToolResult {
			result = ev.ToolResult
		}
	}
	require.NotNil(t, result, "a denied tool_use still gets a tool_result")
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "policy")
	assert.Empty(t, echo.calls, "denied tool must not execute")
	assert.Equal(t, 2, prov.calls, "the loop continues after a deny")
}

func TestEngine_UpdatedInputRewritesToolCall(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "echo", `{"value":"original"}`),
		textTurn("ok", nil),
	}}
	echo := &echoTool{}
	registry := tool.NewRegistry()
	registry.Register(echo)

	hooks := hook.NewManager()
	hooks.Add(hook.EventPreToolUse, hook.Matcher{Hooks: []hook.Func{
		func(ctx context.Context, input *hook.Input) (*hook.Output, error) {
			return &hook.Output{
				Decision:     hook.DecisionAllow,
				UpdatedInput: map[string]any{"value": "rewritten"},
			}, nil
		},
	}})

	e := newTestEngine(t, prov, Deps{Tools: registry, Hooks: hooks})
	require.NoError(t, e.SendText("go"))
	drainEngine(t, e)

	require.Len(t, echo.calls, 1)
	assert.Equal(t, "rewritten", echo.calls[0]["value"])
}

func TestEngine_HookHaltsTurn(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "echo", `{}`),
	}}
	registry := tool.NewRegistry()
	registry.Register(&echoTool{})

	stop := false
	hooks := hook.NewManager()
	hooks.Add(hook.EventPostToolUse, hook.Matcher{Hooks: []hook.Func{
		func(ctx context.Context, input *hook.Input) (*hook.Output, error) {
			return &hook.Output{Continue: &stop, StopReason: "budget exhausted"}, nil
		},
	}})

	e := newTestEngine(t, prov, Deps{Tools: registry, Hooks: hooks})
	require.NoError(t, e.SendText("go"))

	events := drainEngine(t, e)

	last := events[len(events)-1]
	assert.Equal(t, EventStop, last.Type)
	assert.Equal(t, "budget exhausted", last.StopReason)
	assert.Equal(t, 1, prov.calls, "a halted turn must not re-query the model")
}

func TestEngine_HookContextBecomesSeparateMessage(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "echo", `{"value":"hi"}`),
		textTurn("done", nil),
	}}
	registry := tool.NewRegistry()
	registry.Register(&echoTool{})

	hooks := hook.NewManager()
	hooks.Add(hook.EventPostToolUse, hook.Matcher{Hooks: []hook.Func{
		func(ctx context.Context, input *hook.Input) (*hook.Output, error) {
			return &hook.Output{AdditionalContext: "the file was reformatted"}, nil
		},
	}})

	e := newTestEngine(t, prov, Deps{Tools: registry, Hooks: hooks})
	require.NoError(t, e.SendText("go"))

	events := drainEngine(t, e)

	var result *types.ToolResultBlock
	for _, ev := range events {
		if ev.Type == EventToolResult {
			result = ev.ToolResult
		}
	}
	require.NotNil(t, result)
	assert.NotContains(t, result.Content, "reformatted",
		"hook context must not leak into the tool result")

	// The context rides as its own user message between the tool results
	// and the follow-up assistant turn.
	msgs := e.Session().Messages
	require.Len(t, msgs, 5)
	require.Equal(t, types.RoleUser, msgs[3].Role)
	text, ok := msgs[3].Content[0].(*types.TextBlock)
	require.True(t, ok)
	assert.Equal(t, "the file was reformatted", text.Text)

	// The re-query saw the context message.
	second := prov.requests[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	require.Equal(t, types.RoleUser, lastMsg.Role)
	_, ok = lastMsg.Content[0].(*types.TextBlock)
	assert.True(t, ok)
}

func TestEngine_HookSystemMessagesSurfaceAsEvents(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "echo", `{}`),
		textTurn("ok", nil),
	}}
	registry := tool.NewRegistry()
	registry.Register(&echoTool{})

	hooks := hook.NewManager()
	hooks.Add(hook.EventPostToolUse, hook.Matcher{Hooks: []hook.Func{
		func(ctx context.Context, input *hook.Input) (*hook.Output, error) {
			return &hook.Output{SystemMessage: "tool output was truncated"}, nil
		},
	}})

	e := newTestEngine(t, prov, Deps{Tools: registry, Hooks: hooks})
	require.NoError(t, e.SendText("go"))

	events := drainEngine(t, e)

	var system []string
	for _, ev := range events {
		if ev.Type == EventSystem {
			system = append(system, ev.Text)
		}
	}
	assert.Equal(t, []string{"tool output was truncated"}, system)

	// System messages inform the consumer, never the model.
	for _, msg := range e.Session().Messages {
		for _, block := range msg.Content {
			if tb, ok := block.(*types.TextBlock); ok {
				assert.NotContains(t, tb.Text, "truncated")
			}
		}
	}
}

func TestEngine_SessionContextBudgetTriggersCompaction(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "echo", `{}`),
		toolTurn("toolu_2", "echo", `{}`),
		textTurn("done", nil),
	}}
	registry := tool.NewRegistry()
	registry.Register(&echoTool{})

	// The shared compactor's budget is far above this history; only the
	// session's own budget can trigger compaction.
	session := &types.Session{
		ID: "ses_budget",
		Config: types.SessionConfig{
			Model:         "scripted-model",
			ContextTokens: 50,
		},
	}
	e := NewEngine(session, Deps{
		Provider:  prov,
		Tools:     registry,
		Compactor: compact.New(compact.Options{MaxTokens: 1_000_000, KeepTurns: 1}),
	})
	require.NoError(t, e.SendText(strings.Repeat("x", 400)))

	stream, err := e.Receive(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	for {
		if _, err := stream.Recv(); err == io.EOF {
			break
		}
	}

	require.Equal(t, 3, prov.calls)
	// Before the third call the history held five messages; the session
	// budget compacted it down to the first message plus the last turn.
	third := prov.requests[2]
	assert.Len(t, third.Messages, 3)
	tr, ok := third.Messages[2].Content[0].(*types.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "toolu_2", tr.ToolUseID)
}

func TestEngine_UnknownToolBecomesErrorResult(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "missing", `{}`),
		textTurn("sorry", nil),
	}}
	e := newTestEngine(t, prov, Deps{Tools: tool.NewRegistry()})
	require.NoError(t, e.SendText("go"))

	events := drainEngine(t, e)

	var result *types.ToolResultBlock
	for _, ev := range events {
		if ev.Type == EventToolResult {
			result = ev.ToolResult
		}
	}
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "unknown tool")
}

func TestEngine_ProviderFailureRetriesThenErrors(t *testing.T) {
	prov := &scriptedProvider{
		errs: []error{
			errors.New("boom"), errors.New("boom"),
			errors.New("boom"), errors.New("boom"),
		},
	}
	e := newTestEngine(t, prov, Deps{})
	require.NoError(t, e.SendText("hi"))

	// Shrink the retry wait by cancelling after the first events drain.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := e.Receive(ctx)
	require.NoError(t, err)
	defer stream.Close()

	var sawError bool
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if ev.Type == EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)
	assert.Greater(t, prov.calls, 1, "failed calls must be retried")
}

func TestEngine_ReceiveWhileBusy(t *testing.T) {
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		textTurn("slow", nil),
	}}
	e := newTestEngine(t, prov, Deps{})
	require.NoError(t, e.SendText("hi"))

	stream, err := e.Receive(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	_, err = e.Receive(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, e.Send(types.NewUserMessage("again")), ErrBusy)

	for {
		if _, err := stream.Recv(); err == io.EOF {
			break
		}
	}
}

func TestEngine_Cancellation(t *testing.T) {
	// First turn requests a tool, which would normally trigger a second
	// provider call. Cancelling between turns must wind the loop down
	// with a "cancelled" stop, never an error.
	prov := &scriptedProvider{turns: [][]types.StreamEvent{
		toolTurn("toolu_1", "missing", `{}`),
		textTurn("never", nil),
	}}
	e := newTestEngine(t, prov, Deps{Tools: tool.NewRegistry()})
	require.NoError(t, e.SendText("hi"))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := e.Receive(ctx)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)
	cancel()

	var last Event
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.NotEqual(t, EventError, ev.Type)
		last = ev
	}
	assert.Equal(t, EventStop, last.Type)
	assert.Equal(t, "cancelled", last.StopReason)
	assert.Equal(t, 1, prov.calls)
}
