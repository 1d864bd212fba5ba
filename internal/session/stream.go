package session

import (
	"encoding/json"
	"strings"

	"github.com/conduit-ai/conduit/pkg/types"
)

// assembler reconstructs the assistant message from provider stream
// events: text deltas concatenate per block, tool-argument fragments
// concatenate and parse as JSON at block stop.
type assembler struct {
	blocks     []types.ContentBlock
	stopReason types.StopReason
	usage      types.UsageInfo

	openText *strings.Builder
	openTool *types.ToolUseBlock
	openArgs *strings.Builder
}

func (a *assembler) apply(ev types.StreamEvent) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.Usage != nil {
			a.usage.Add(*ev.Usage)
		}

	case types.EventContentBlockStart:
		a.closeBlock()
		switch b := ev.Block.(type) {
		case *types.ToolUseBlock:
			a.openTool = &types.ToolUseBlock{ID: b.ID, Name: b.Name}
			a.openArgs = &strings.Builder{}
		default:
			a.openText = &strings.Builder{}
			if tb, ok := ev.Block.(*types.TextBlock); ok {
				a.openText.WriteString(tb.Text)
			}
		}

	case types.EventContentBlockDelta:
		switch {
		case a.openTool != nil:
			a.openArgs.WriteString(ev.Delta)
		case a.openText != nil:
			a.openText.WriteString(ev.Delta)
		}

	case types.EventContentBlockStop:
		a.closeBlock()

	case types.EventMessageDelta:
		if ev.StopReason != "" {
			a.stopReason = ev.StopReason
		}
		if ev.Usage != nil {
			a.usage.Add(*ev.Usage)
		}
	}
}

func (a *assembler) closeBlock() {
	switch {
	case a.openTool != nil:
		input := map[string]any{}
		if raw := a.openArgs.String(); raw != "" {
			// Unparseable arguments stay empty; the tool reports the
			// problem as an is_error result.
			_ = json.Unmarshal([]byte(raw), &input)
		}
		a.openTool.Input = input
		a.blocks = append(a.blocks, a.openTool)
		a.openTool = nil
		a.openArgs = nil
	case a.openText != nil:
		if text := a.openText.String(); text != "" {
			a.blocks = append(a.blocks, &types.TextBlock{Text: text})
		}
		a.openText = nil
	}
}

// message finalizes and returns the assembled assistant message.
func (a *assembler) message() types.Message {
	a.closeBlock()
	return types.Message{Role: types.RoleAssistant, Content: a.blocks}
}
