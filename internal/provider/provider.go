// Package provider implements the vendor-specific LLM backend clients.
//
// Each client translates the canonical message/tool model in pkg/types
// into one vendor's request format and reassembles that vendor's
// streaming wire protocol into the canonical StreamEvent sequence. The
// session engine consumes providers only through the Provider interface
// and never sees a vendor payload.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conduit-ai/conduit/pkg/types"
)

// Provider is a vendor-specific LLM backend client.
type Provider interface {
	// ID returns the provider identifier (e.g. "anthropic").
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// SupportsModel reports whether this provider serves the model.
	SupportsModel(model string) bool

	// Complete performs a non-streaming completion.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming completion. HTTP-level failures are
	// returned synchronously before any event is produced; vendor-level
	// errors delivered inside the stream become canonical error events.
	Stream(ctx context.Context, req *Request) (*Stream, error)
}

// Request is a canonical completion request.
type Request struct {
	Model         string
	System        string
	Messages      []types.Message
	Tools         []ToolDefinition
	MaxTokens     int
	Temperature   float64
	StopSequences []string
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Response is a canonical non-streaming completion result.
type Response struct {
	Content    []types.ContentBlock
	StopReason types.StopReason
	Usage      types.UsageInfo
}

// Stream delivers canonical StreamEvents decoded from a vendor wire
// stream. Recv blocks until the next event, io.EOF after the terminal
// message_stop, or the wire error that ended the stream. Close aborts
// the underlying network read; the response body is released on every
// exit path.
type Stream struct {
	events chan types.StreamEvent
	err    error
	cancel context.CancelFunc
}

// decodeFunc drives one vendor decode loop. It calls emit for each
// canonical event; emit returns false once the consumer has gone away.
type decodeFunc func(emit func(types.StreamEvent) bool) error

// NewEventStream builds a Stream that replays canned events. Intended
// for fake providers in tests.
func NewEventStream(events ...types.StreamEvent) *Stream {
	return newStream(context.Background(), io.NopCloser(strings.NewReader("")), func(emit func(types.StreamEvent) bool) error {
		for _, ev := range events {
			if !emit(ev) {
				return nil
			}
		}
		return nil
	})
}

// newStream runs decode in a goroutine that owns body. The goroutine
// closes body on every exit path, including cancellation and decode
// errors.
func newStream(ctx context.Context, body io.ReadCloser, decode decodeFunc) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan types.StreamEvent),
		cancel: cancel,
	}

	go func() {
		defer close(s.events)
		defer body.Close()

		// Abort the blocking read when the stream is cancelled.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				body.Close()
			case <-done:
			}
		}()

		emit := func(ev types.StreamEvent) bool {
			select {
			case s.events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := decode(emit); err != nil {
			if ctx.Err() != nil {
				s.err = ctx.Err()
			} else {
				s.err = err
			}
		}
	}()

	return s
}

// Recv returns the next canonical event. It returns io.EOF once the
// stream has ended normally.
func (s *Stream) Recv() (types.StreamEvent, error) {
	ev, ok := <-s.events
	if !ok {
		if s.err != nil {
			return types.StreamEvent{}, s.err
		}
		return types.StreamEvent{}, io.EOF
	}
	return ev, nil
}

// Close aborts the stream and releases the underlying connection. It is
// safe to call multiple times and after Recv returned io.EOF.
func (s *Stream) Close() {
	s.cancel()
	// Drain so the decode goroutine can exit.
	for range s.events {
	}
}

// httpClient is shared by all providers. Streaming responses carry no
// overall deadline; cancellation comes from the request context.
var httpClient = &http.Client{
	Timeout: 0,
	Transport: &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}
