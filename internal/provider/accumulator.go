package provider

import "github.com/conduit-ai/conduit/pkg/types"

// blockAccumulator rebuilds the canonical block-index discipline for
// vendors whose wire protocols do not carry it natively: exactly one
// message_start first, block indexes introduced monotonically (text
// first when present), each index's start/delta*/stop contiguous, one
// open block at a time, and exactly one terminal message_stop.
//
// Tool-call argument fragments are forwarded as deltas under the block
// opened for their call key, so concatenating a block's deltas yields
// the complete JSON arguments once its content_block_stop is observed.
type blockAccumulator struct {
	emit func(types.StreamEvent) bool

	began     bool
	nextIndex int

	openIndex   int
	openIsText  bool
	openToolKey string

	sawTool    bool
	stopReason types.StopReason
	usage      *types.UsageInfo
}

func newBlockAccumulator(emit func(types.StreamEvent) bool) *blockAccumulator {
	return &blockAccumulator{emit: emit, openIndex: -1}
}

func (a *blockAccumulator) started() bool { return a.began }

// start emits the single message_start. Calling it again is a no-op.
func (a *blockAccumulator) start(usage *types.UsageInfo) bool {
	if a.began {
		return true
	}
	a.began = true
	return a.emit(types.StreamEvent{Type: types.EventMessageStart, Usage: usage})
}

// closeOpen emits content_block_stop for the open block, if any.
func (a *blockAccumulator) closeOpen() bool {
	if a.openIndex < 0 {
		return true
	}
	idx := a.openIndex
	a.openIndex = -1
	a.openToolKey = ""
	return a.emit(types.StreamEvent{Type: types.EventContentBlockStop, Index: idx})
}

// textDelta routes a text fragment, opening the text block first if the
// open block is not text.
func (a *blockAccumulator) textDelta(delta string) bool {
	if !a.start(nil) {
		return false
	}
	if a.openIndex < 0 || !a.openIsText {
		if !a.closeOpen() {
			return false
		}
		a.openIndex = a.nextIndex
		a.nextIndex++
		a.openIsText = true
		if !a.emit(types.StreamEvent{
			Type:  types.EventContentBlockStart,
			Index: a.openIndex,
			Block: &types.TextBlock{},
		}) {
			return false
		}
	}
	return a.emit(types.StreamEvent{Type: types.EventContentBlockDelta, Index: a.openIndex, Delta: delta})
}

// toolDelta routes a tool-call announcement or argument fragment. key
// identifies the logical call within the vendor stream; id and name are
// only present on the announcing chunk.
func (a *blockAccumulator) toolDelta(key, id, name, argFragment string) bool {
	if !a.start(nil) {
		return false
	}
	a.sawTool = true

	if a.openIndex < 0 || a.openIsText || a.openToolKey != key {
		if !a.closeOpen() {
			return false
		}
		a.openIndex = a.nextIndex
		a.nextIndex++
		a.openIsText = false
		a.openToolKey = key
		if !a.emit(types.StreamEvent{
			Type:  types.EventContentBlockStart,
			Index: a.openIndex,
			Block: &types.ToolUseBlock{ID: id, Name: name},
		}) {
			return false
		}
	}

	if argFragment == "" {
		return true
	}
	return a.emit(types.StreamEvent{Type: types.EventContentBlockDelta, Index: a.openIndex, Delta: argFragment})
}

// finish closes any open block and emits the terminal message_delta and
// message_stop pair.
func (a *blockAccumulator) finish() {
	if !a.start(nil) {
		return
	}
	if !a.closeOpen() {
		return
	}

	reason := a.stopReason
	if reason == "" {
		if a.sawTool {
			reason = types.StopToolUse
		} else {
			reason = types.StopEndTurn
		}
	}

	if !a.emit(types.StreamEvent{Type: types.EventMessageDelta, StopReason: reason, Usage: a.usage}) {
		return
	}
	a.emit(types.StreamEvent{Type: types.EventMessageStop})
}
