package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conduit-ai/conduit/pkg/types"
)

// collectEvents drains a stream to completion.
func collectEvents(t *testing.T, s *Stream) []types.StreamEvent {
	t.Helper()
	defer s.Close()

	var events []types.StreamEvent
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		events = append(events, ev)
	}
}

func eventTypes(events []types.StreamEvent) []types.StreamEventType {
	out := make([]types.StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = io.WriteString(w, frame)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func newTestAnthropicProvider(t *testing.T, baseURL string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(&AnthropicConfig{APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider failed: %v", err)
	}
	return p
}

func TestNewAnthropicProvider_NoCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicProvider(&AnthropicConfig{})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestAnthropicStream_TextDelta(t *testing.T) {
	server := sseServer(t, []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":3,\"output_tokens\":0}}}\n\n",
		"event: ping\ndata: {\"type\":\"ping\"}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"4\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":1}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	})
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []types.Message{types.NewUserMessage("what is 2+2?")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := collectEvents(t, stream)
	want := []types.StreamEventType{
		types.EventMessageStart,
		types.EventContentBlockStart,
		types.EventContentBlockDelta,
		types.EventContentBlockStop,
		types.EventMessageDelta,
		types.EventMessageStop,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
	if events[2].Delta != "4" {
		t.Errorf("delta = %q, want %q", events[2].Delta, "4")
	}
	if events[4].StopReason != types.StopEndTurn {
		t.Errorf("stop reason = %q, want end_turn", events[4].StopReason)
	}
	if events[0].Usage == nil || events[0].Usage.InputTokens != 3 {
		t.Errorf("message_start usage = %+v, want input_tokens 3", events[0].Usage)
	}
}

func TestAnthropicStream_ToolArgFragments(t *testing.T) {
	server := sseServer(t, []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10}}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_01\",\"name\":\"calculator\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"expr\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"ession\\\": \\\"2+2\\\"}\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":12}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	})
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []types.Message{types.NewUserMessage("calculate 2+2")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := collectEvents(t, stream)

	var args strings.Builder
	var sawStop bool
	for _, ev := range events {
		switch ev.Type {
		case types.EventContentBlockStart:
			tu, ok := ev.Block.(*types.ToolUseBlock)
			if !ok {
				t.Fatalf("block start carries %T, want ToolUseBlock", ev.Block)
			}
			if tu.Name != "calculator" || tu.ID != "toolu_01" {
				t.Errorf("tool block = %+v", tu)
			}
		case types.EventContentBlockDelta:
			args.WriteString(ev.Delta)
		case types.EventContentBlockStop:
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("no content_block_stop observed")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(args.String()), &parsed); err != nil {
		t.Fatalf("concatenated fragments %q do not parse: %v", args.String(), err)
	}
	if parsed["expression"] != "2+2" {
		t.Errorf("expression = %v, want 2+2", parsed["expression"])
	}
}

func TestAnthropicStream_TruncatedBeforeMessageStop(t *testing.T) {
	server := sseServer(t, []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":3}}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n",
	})
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	var events []types.StreamEvent
	var recvErr error
	for {
		ev, err := stream.Recv()
		if err != nil {
			recvErr = err
			break
		}
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events before truncation, got %d: %v", len(events), eventTypes(events))
	}
	if events[2].Type != types.EventContentBlockDelta || events[2].Delta != "partial" {
		t.Errorf("last event = %+v, want text delta %q", events[2], "partial")
	}
	// A connection dropped before message_stop must not look like a
	// complete message.
	if recvErr == io.EOF {
		t.Fatal("truncated stream ended with io.EOF, want an error")
	}
	if !errors.Is(recvErr, io.ErrUnexpectedEOF) {
		t.Errorf("Recv error = %v, want io.ErrUnexpectedEOF", recvErr)
	}
}

func TestAnthropicStream_MalformedFrameSkipped(t *testing.T) {
	server := sseServer(t, []string{
		"event: message_start\ndata: {\"type\":\"message_start\"}\n\n",
		"event: content_block_start\ndata: {this is not json}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	})
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := collectEvents(t, stream)
	starts := 0
	for _, ev := range events {
		if ev.Type == types.EventContentBlockStart {
			starts++
		}
		if ev.Type == types.EventError {
			t.Fatalf("malformed frame surfaced as error event: %+v", ev)
		}
	}
	if starts != 1 {
		t.Errorf("content_block_start count = %d, want 1", starts)
	}
}

func TestAnthropicStream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	_, err := p.Stream(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", httpErr.StatusCode)
	}
}

func TestAnthropicStream_Cancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestAnthropicProvider(t, server.URL)
	stream, err := p.Stream(ctx, &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv failed: %v", err)
	}
	cancel()

	// The aborted network read surfaces as a stream error or EOF, never
	// a hang.
	for {
		if _, err := stream.Recv(); err != nil {
			return
		}
	}
}

func TestAnthropicComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("X-Api-Key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"content": [{"type":"text","text":"4"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 1}
		}`)
	}))
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	resp, err := p.Complete(context.Background(), &Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []types.Message{types.NewUserMessage("what is 2+2?")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.StopReason != types.StopEndTurn {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(resp.Content))
	}
	if text, ok := resp.Content[0].(*types.TextBlock); !ok || text.Text != "4" {
		t.Errorf("content = %+v", resp.Content[0])
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}
