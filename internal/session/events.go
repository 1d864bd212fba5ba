package session

import (
	"io"

	"github.com/conduit-ai/conduit/pkg/types"
)

// EventType names the session-level events Receive yields. They are the
// engine's own vocabulary, translated from provider stream events.
type EventType string

const (
	// EventMessage announces a completed message appended to history.
	EventMessage EventType = "message"
	// EventText is an incremental text delta of the assistant turn.
	EventText EventType = "text"
	// EventToolUse announces a tool call the model requested.
	EventToolUse EventType = "tool_use"
	// EventToolResult carries the outcome fed back to the model.
	EventToolResult EventType = "tool_result"
	// EventSystem carries a system message produced by a hook.
	EventSystem EventType = "system"
	// EventStop ends the turn with its stop reason.
	EventStop EventType = "stop"
	// EventError reports a turn failure. The session stays usable.
	EventError EventType = "error"
)

// Event is one item yielded by Receive.
type Event struct {
	Type       EventType
	Message    *types.Message
	Text       string
	ToolUse    *types.ToolUseBlock
	ToolResult *types.ToolResultBlock
	StopReason string
	Usage      *types.UsageInfo
	Err        string
}

// Stream is the pull-based event sequence of one Receive call. The
// producing goroutine suspends at every yield until the caller asks for
// the next event.
type Stream struct {
	events chan Event
	done   chan struct{}
}

func newEventStream() *Stream {
	return &Stream{
		events: make(chan Event),
		done:   make(chan struct{}),
	}
}

// Recv returns the next event, or io.EOF once the turn has ended.
func (s *Stream) Recv() (Event, error) {
	ev, ok := <-s.events
	if !ok {
		return Event{}, io.EOF
	}
	return ev, nil
}

// Close abandons the stream; the producer notices and stops.
func (s *Stream) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// emit hands an event to the consumer; it returns false when the
// consumer has gone away.
func (s *Stream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stream) finish() {
	close(s.events)
}
