package permission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/conduit-ai/conduit/internal/hook"
)

// RepeatThreshold is how many identical consecutive calls trip the
// guard.
const RepeatThreshold = 3

const repeatHistoryCap = 10

// RepeatGuard denies a tool call once the same tool has been invoked
// with identical input several times in a row, breaking runaway loops.
type RepeatGuard struct {
	mu      sync.Mutex
	history map[string][]string
}

// NewRepeatGuard creates a guard with empty history.
func NewRepeatGuard() *RepeatGuard {
	return &RepeatGuard{history: make(map[string][]string)}
}

// Hook returns the pre-tool-use hook enforcing the guard.
func (g *RepeatGuard) Hook() hook.Func {
	return func(ctx context.Context, input *hook.Input) (*hook.Output, error) {
		if g.record(input.SessionID, input.ToolName, input.ToolInput) {
			return &hook.Output{
				Decision: hook.DecisionDeny,
				Reason:   "identical tool call repeated too many times",
			}, nil
		}
		return &hook.Output{Decision: hook.DecisionAllow}, nil
	}
}

// record appends the call and reports whether it completes a run of
// RepeatThreshold identical calls.
func (g *RepeatGuard) record(sessionID, toolName string, input any) bool {
	hash := hashCall(toolName, input)

	g.mu.Lock()
	defer g.mu.Unlock()

	history := append(g.history[sessionID], hash)
	if len(history) > repeatHistoryCap {
		history = history[len(history)-repeatHistoryCap:]
	}
	g.history[sessionID] = history

	if len(history) < RepeatThreshold {
		return false
	}
	for _, h := range history[len(history)-RepeatThreshold:] {
		if h != hash {
			return false
		}
	}
	return true
}

// Clear forgets a session's history.
func (g *RepeatGuard) Clear(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.history, sessionID)
}

func hashCall(toolName string, input any) string {
	data, _ := json.Marshal(map[string]any{"tool": toolName, "input": input})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
