// Package compact keeps conversation histories under a token budget.
// Two independent strategies: pruning old tool outputs in place, and
// hard compaction that drops whole turns.
package compact

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/logging"
	"github.com/conduit-ai/conduit/pkg/types"
)

// PrunedPlaceholder replaces tool-result content removed by pruning.
const PrunedPlaceholder = "[tool output pruned to save context]"

const triggerRatio = 0.8

// recentProtectedTurns is how many of the newest user turns keep their
// tool results untouched.
const recentProtectedTurns = 2

// Options configures the compactor. Zero values disable the respective
// behavior.
type Options struct {
	// MaxTokens is the context budget; NeedsCompaction triggers at 80%
	// of it.
	MaxTokens int

	// KeepTurns is how many recent user/assistant turn pairs hard
	// compaction retains.
	KeepTurns int

	// PruneProtect is the running token count of old tool results left
	// intact before pruning starts marking.
	PruneProtect int

	// PruneMinimum is the smallest total saving worth applying; below
	// it pruning is a no-op.
	PruneMinimum int
}

// Compactor applies the pruning and compaction strategies to a message
// history. It never mutates the input slice; both strategies return a
// replacement history.
type Compactor struct {
	opts Options
	log  zerolog.Logger
}

// New creates a compactor.
func New(opts Options) *Compactor {
	return &Compactor{opts: opts, log: logging.Component("compact")}
}

// WithBudget returns a compactor whose context budget is replaced by
// maxTokens. Values <= 0 leave the budget unchanged.
func (c *Compactor) WithBudget(maxTokens int) *Compactor {
	if maxTokens <= 0 {
		return c
	}
	opts := c.opts
	opts.MaxTokens = maxTokens
	return &Compactor{opts: opts, log: c.log}
}

// EstimateTokens approximates the token count of a history as character
// count divided by four. A heuristic, not a tokenizer.
func EstimateTokens(messages []types.Message) int {
	chars := 0
	for _, msg := range messages {
		chars += messageChars(msg)
	}
	return chars / 4
}

func messageChars(msg types.Message) int {
	chars := 0
	for _, block := range msg.Content {
		chars += blockChars(block)
	}
	return chars
}

func blockChars(block types.ContentBlock) int {
	switch b := block.(type) {
	case *types.TextBlock:
		return len(b.Text)
	case *types.ToolResultBlock:
		return len(b.Content)
	case *types.ToolUseBlock:
		raw, err := json.Marshal(b.Input)
		if err != nil {
			return len(b.Name)
		}
		return len(b.Name) + len(raw)
	case *types.ImageBlock:
		return len(b.Data)
	default:
		return 0
	}
}

// NeedsCompaction reports whether the history has crossed 80% of the
// configured budget.
func (c *Compactor) NeedsCompaction(messages []types.Message) bool {
	if c.opts.MaxTokens <= 0 {
		return false
	}
	return float64(EstimateTokens(messages)) >= triggerRatio*float64(c.opts.MaxTokens)
}

// PruneToolOutputs replaces old tool-result content with a placeholder.
// Walking newest to oldest, the two most recent user turns are never
// touched; beyond them a running token count of tool results
// accumulates, and once it exceeds PruneProtect the remaining (older)
// results are marked. The marks apply only when the projected saving
// reaches PruneMinimum; otherwise the history is returned unchanged.
func (c *Compactor) PruneToolOutputs(messages []types.Message) ([]types.Message, bool) {
	userTurnsSeen := 0
	running := 0
	saving := 0
	marked := make(map[int]map[int]bool)

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == types.RoleUser {
			userTurnsSeen++
		}
		if userTurnsSeen <= recentProtectedTurns {
			continue
		}
		for j, block := range msg.Content {
			tr, ok := block.(*types.ToolResultBlock)
			if !ok || tr.Content == PrunedPlaceholder {
				continue
			}
			tokens := len(tr.Content) / 4
			running += tokens
			if running <= c.opts.PruneProtect {
				continue
			}
			if marked[i] == nil {
				marked[i] = make(map[int]bool)
			}
			marked[i][j] = true
			saving += tokens
		}
	}

	if saving < c.opts.PruneMinimum {
		return messages, false
	}

	out := make([]types.Message, len(messages))
	for i, msg := range messages {
		if marked[i] == nil {
			out[i] = msg
			continue
		}
		blocks := make([]types.ContentBlock, len(msg.Content))
		for j, block := range msg.Content {
			if marked[i][j] {
				tr := block.(*types.ToolResultBlock)
				blocks[j] = &types.ToolResultBlock{
					ToolUseID: tr.ToolUseID,
					Content:   PrunedPlaceholder,
					IsError:   tr.IsError,
				}
			} else {
				blocks[j] = block
			}
		}
		out[i] = types.Message{Role: msg.Role, Content: blocks}
	}

	c.log.Info().Int("saved_tokens", saving).Msg("pruned old tool outputs")
	return out, true
}

// Compact drops everything except the first message (only when it is a
// user message, assumed to carry the task framing), an optional
// synthetic summary, and the most recent KeepTurns user/assistant turn
// pairs. The first message is never duplicated when it also falls
// inside the kept window.
func (c *Compactor) Compact(messages []types.Message, summary string) []types.Message {
	keep := c.opts.KeepTurns * 2
	if keep <= 0 || keep >= len(messages) {
		return messages
	}

	tailStart := len(messages) - keep
	var out []types.Message

	if messages[0].Role == types.RoleUser && tailStart > 0 {
		out = append(out, messages[0])
	}
	if summary != "" {
		out = append(out, types.NewTextMessage(types.RoleAssistant, summary))
	}
	out = append(out, messages[tailStart:]...)

	c.log.Info().
		Int("before", len(messages)).
		Int("after", len(out)).
		Msg("compacted history")
	return out
}
