package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conduit-ai/conduit/pkg/types"
)

func newTestGeminiProvider(t *testing.T, baseURL string) *GeminiProvider {
	t.Helper()
	p, err := NewGeminiProvider(&GeminiConfig{APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewGeminiProvider failed: %v", err)
	}
	return p
}

func TestNewGeminiProvider_NoCredentials(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	_, err := NewGeminiProvider(&GeminiConfig{})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestGeminiStream_NDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Goog-Api-Key"); got != "test-key" {
			t.Errorf("X-Goog-Api-Key = %q", got)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"the answer "}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"is 4"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":4}}`,
		}
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "gemini-2.0-flash",
		Messages: []types.Message{types.NewUserMessage("what is 2+2?")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := collectEvents(t, stream)
	got := eventTypes(events)
	want := []types.StreamEventType{
		types.EventMessageStart,
		types.EventContentBlockStart,
		types.EventContentBlockDelta,
		types.EventContentBlockDelta,
		types.EventContentBlockStop,
		types.EventMessageDelta,
		types.EventMessageStop,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == types.EventContentBlockDelta {
			text.WriteString(ev.Delta)
		}
	}
	if text.String() != "the answer is 4" {
		t.Errorf("text = %q", text.String())
	}

	delta := events[len(events)-2]
	if delta.StopReason != types.StopEndTurn {
		t.Errorf("stop reason = %q", delta.StopReason)
	}
	if delta.Usage == nil || delta.Usage.InputTokens != 7 || delta.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", delta.Usage)
	}
}

func TestGeminiStream_JSONArrayFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}]}
		]`))
	}))
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "gemini-2.0-flash",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := collectEvents(t, stream)
	if len(events) == 0 || events[0].Type != types.EventMessageStart {
		t.Fatalf("events = %v", eventTypes(events))
	}
	if events[len(events)-1].Type != types.EventMessageStop {
		t.Errorf("terminal event = %q", events[len(events)-1].Type)
	}
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == types.EventContentBlockDelta {
			text.WriteString(ev.Delta)
		}
	}
	if text.String() != "hi" {
		t.Errorf("text = %q", text.String())
	}
}

func TestGeminiStream_SSEFallback(t *testing.T) {
	server := sseServer(t, []string{
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"streamed\"}]},\"finishReason\":\"STOP\"}]}\n\n",
	})
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "gemini-2.0-flash",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := collectEvents(t, stream)
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == types.EventContentBlockDelta {
			text.WriteString(ev.Delta)
		}
	}
	if text.String() != "streamed" {
		t.Errorf("text = %q", text.String())
	}
}

func TestGeminiStream_FunctionCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"calculator","args":{"expression":"2+2"}}}]},"finishReason":"STOP"}]}`,
		}
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), &Request{
		Model:    "gemini-2.0-flash",
		Messages: []types.Message{types.NewUserMessage("calculate 2+2")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	events := collectEvents(t, stream)

	var tool *types.ToolUseBlock
	var args strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case types.EventContentBlockStart:
			tool, _ = ev.Block.(*types.ToolUseBlock)
		case types.EventContentBlockDelta:
			args.WriteString(ev.Delta)
		}
	}
	if tool == nil || tool.Name != "calculator" {
		t.Fatalf("tool block = %+v", tool)
	}
	if tool.ID == "" {
		t.Error("tool block has empty id")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(args.String()), &parsed); err != nil {
		t.Fatalf("args %q do not parse: %v", args.String(), err)
	}
	if parsed["expression"] != "2+2" {
		t.Errorf("expression = %v", parsed["expression"])
	}
}

func TestGeminiBuildRequest_ToolResult(t *testing.T) {
	p := newTestGeminiProvider(t, "http://unused")

	history := []types.Message{
		types.NewUserMessage("calculate 2+2"),
		types.NewAssistantMessage(&types.ToolUseBlock{
			ID: "calculator-1", Name: "calculator",
			Input: map[string]any{"expression": "2+2"},
		}),
		{Role: types.RoleUser, Content: []types.ContentBlock{
			&types.ToolResultBlock{ToolUseID: "calculator-1", Content: "4"},
		}},
	}

	req := p.buildRequest(&Request{Model: "gemini-2.0-flash", Messages: history})
	if len(req.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(req.Contents))
	}

	last := req.Contents[2]
	if last.Role != "user" {
		t.Errorf("tool result role = %q", last.Role)
	}
	if len(last.Parts) != 1 || last.Parts[0].FunctionResponse == nil {
		t.Fatalf("tool result parts = %+v", last.Parts)
	}
	fr := last.Parts[0].FunctionResponse
	if fr.Name != "calculator" {
		t.Errorf("functionResponse name = %q, want calculator", fr.Name)
	}
	if fr.Response["output"] != "4" {
		t.Errorf("functionResponse output = %v", fr.Response["output"])
	}
}

func TestGeminiComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"4"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":1}
		}`))
	}))
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	resp, err := p.Complete(context.Background(), &Request{
		Model:    "gemini-2.0-flash",
		Messages: []types.Message{types.NewUserMessage("what is 2+2?")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.StopReason != types.StopEndTurn {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("content = %+v", resp.Content)
	}
	if tb, ok := resp.Content[0].(*types.TextBlock); !ok || tb.Text != "4" {
		t.Errorf("content[0] = %+v", resp.Content[0])
	}
	if resp.Usage.InputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}
