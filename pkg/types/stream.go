package types

// StreamEventType discriminates the canonical stream event union.
type StreamEventType string

const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageDelta      StreamEventType = "message_delta"
	EventMessageStop       StreamEventType = "message_stop"
	EventError             StreamEventType = "error"
)

// StreamEvent is one canonical unit of an incremental model response.
//
// Provider clients guarantee, regardless of vendor wire format:
//   - exactly one message_start precedes any content_block_* event;
//   - exactly one terminal event (message_stop, or a returned error) ends
//     the stream;
//   - block indexes are introduced monotonically, and each index's
//     start/delta*/stop events are contiguous.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Index is the content block index for content_block_* events.
	Index int `json:"index,omitempty"`

	// Block is the opening block for content_block_start. For tool_use
	// blocks the Input is empty at start time; arguments arrive as
	// deltas and are complete at content_block_stop.
	Block ContentBlock `json:"block,omitempty"`

	// Delta carries incremental content for content_block_delta: text
	// for text blocks, a JSON argument fragment for tool_use blocks.
	Delta string `json:"delta,omitempty"`

	// StopReason and Usage are set on message_delta.
	StopReason StopReason `json:"stopReason,omitempty"`
	Usage      *UsageInfo `json:"usage,omitempty"`

	// Err describes a vendor-level error delivered inside the stream.
	Err string `json:"error,omitempty"`
}
