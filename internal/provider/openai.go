package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/logging"
	"github.com/conduit-ai/conduit/pkg/types"
)

const openaiDefaultBaseURL = "https://api.openai.com"

// responsesModelPattern selects model families served by the Responses
// API endpoint rather than Chat Completions.
var responsesModelPattern = regexp.MustCompile(`^(gpt-5|o[0-9])`)

// OpenAIProvider implements Provider for the OpenAI API. OpenAI exposes
// two distinct streaming endpoints for different model families; the
// client picks one by model name and retries once against the alternate
// endpoint on a 404 before failing.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	log     zerolog.Logger
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAIProvider creates a new OpenAI provider. It fails fast when no
// API key is available from config or OPENAI_API_KEY.
func NewOpenAIProvider(cfg *OpenAIConfig) (*OpenAIProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w (set OPENAI_API_KEY)", ErrNoCredentials)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}

	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logging.Component("provider.openai"),
	}, nil
}

// ID returns the provider identifier.
func (p *OpenAIProvider) ID() string { return "openai" }

// Name returns the human-readable provider name.
func (p *OpenAIProvider) Name() string { return "OpenAI" }

// SupportsModel reports whether the model belongs to this provider.
func (p *OpenAIProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gpt-") || regexp.MustCompile(`^o[0-9]`).MatchString(model)
}

// usesResponsesAPI reports which endpoint serves the model family.
func (p *OpenAIProvider) usesResponsesAPI(model string) bool {
	return responsesModelPattern.MatchString(model)
}

// chat completions wire types

type openaiChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openaiChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openaiChatMessage `json:"messages"`
	Tools       []openaiTool        `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_completion_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type openaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u openaiUsage) canonical() types.UsageInfo {
	return types.UsageInfo{
		InputTokens:     u.PromptTokens - u.PromptTokensDetails.CachedTokens,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}

// buildChatMessages flattens canonical messages into the chat
// completions role model: assistant tool_use blocks become tool_calls,
// tool_result blocks become role:"tool" messages.
func buildChatMessages(req *Request) []openaiChatMessage {
	var out []openaiChatMessage
	if req.System != "" {
		out = append(out, openaiChatMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, openaiChatMessage{Role: "system", Content: msg.Text()})

		case types.RoleAssistant:
			m := openaiChatMessage{Role: "assistant", Content: msg.Text()}
			for _, tu := range msg.ToolUses() {
				args, _ := json.Marshal(tu.Input)
				tc := openaiToolCall{ID: tu.ID, Type: "function"}
				tc.Function.Name = tu.Name
				tc.Function.Arguments = string(args)
				m.ToolCalls = append(m.ToolCalls, tc)
			}
			out = append(out, m)

		case types.RoleUser:
			// Tool results must precede any accompanying user text.
			var text string
			for _, block := range msg.Content {
				switch b := block.(type) {
				case *types.TextBlock:
					text += b.Text
				case *types.ToolResultBlock:
					content := b.Content
					if b.IsError {
						content = "Error: " + content
					}
					out = append(out, openaiChatMessage{Role: "tool", Content: content, ToolCallID: b.ToolUseID})
				}
			}
			if text != "" {
				out = append(out, openaiChatMessage{Role: "user", Content: text})
			}
		}
	}
	return out
}

func buildOpenAITools(tools []ToolDefinition) []openaiTool {
	var out []openaiTool
	for _, t := range tools {
		ot := openaiTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		out = append(out, ot)
	}
	return out
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}

// Complete performs a non-streaming completion via chat completions.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	body := openaiChatRequest{
		Model:     req.Model,
		Messages:  buildChatMessages(req),
		Tools:     buildOpenAITools(req.Tools),
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	resp, err := p.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Choices []struct {
			Message      openaiChatMessage `json:"message"`
			FinishReason string            `json:"finish_reason"`
		} `json:"choices"`
		Usage openaiUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: response contains no choices")
	}

	choice := parsed.Choices[0]
	out := &Response{
		StopReason: openaiStopReason(choice.FinishReason),
		Usage:      parsed.Usage.canonical(),
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, &types.TextBlock{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			p.log.Debug().Err(err).Str("call", tc.ID).Msg("tool call arguments are not valid JSON")
		}
		out.Content = append(out.Content, &types.ToolUseBlock{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return out, nil
}

// Stream performs a streaming completion. The endpoint is chosen by
// model family; a 404 (wrong endpoint for this model) is retried once
// against the alternate endpoint.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (*Stream, error) {
	primary := p.usesResponsesAPI(req.Model)

	stream, err := p.streamVia(ctx, req, primary)
	if IsNotFound(err) {
		p.log.Warn().Str("model", req.Model).Msg("endpoint returned 404, retrying against alternate endpoint")
		return p.streamVia(ctx, req, !primary)
	}
	return stream, err
}

func (p *OpenAIProvider) streamVia(ctx context.Context, req *Request, responses bool) (*Stream, error) {
	if responses {
		return p.streamResponses(ctx, req)
	}
	return p.streamChat(ctx, req)
}

// streamChat decodes the `data:`-prefixed chunk protocol terminated by a
// literal [DONE] line.
func (p *OpenAIProvider) streamChat(ctx context.Context, req *Request) (*Stream, error) {
	body := openaiChatRequest{
		Model:     req.Model,
		Messages:  buildChatMessages(req),
		Tools:     buildOpenAITools(req.Tools),
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
		Stream:    true,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	resp, err := p.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	return newStream(ctx, resp.Body, func(emit func(types.StreamEvent) bool) error {
		scanner := newSSEScanner(resp.Body)
		acc := newBlockAccumulator(emit)

		for {
			frame, err := scanner.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if frame.Data == "[DONE]" {
				break
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content   string           `json:"content"`
						ToolCalls []openaiToolCall `json:"tool_calls"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
				Usage *openaiUsage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
				p.log.Debug().Err(err).Msg("skipping undecodable stream frame")
				continue
			}

			if !acc.started() && !acc.start(nil) {
				return nil
			}

			if chunk.Usage != nil {
				u := chunk.Usage.canonical()
				acc.usage = &u
			}

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !acc.textDelta(choice.Delta.Content) {
						return nil
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					// The announcing chunk carries both index and id;
					// argument fragments carry only the index, so the
					// index is the stable key within the stream.
					key := tc.ID
					if tc.Index != nil {
						key = fmt.Sprintf("#%d", *tc.Index)
					}
					if !acc.toolDelta(key, tc.ID, tc.Function.Name, tc.Function.Arguments) {
						return nil
					}
				}
				if choice.FinishReason != "" {
					acc.stopReason = openaiStopReason(choice.FinishReason)
				}
			}
		}

		acc.finish()
		return nil
	}), nil
}

// responses API wire types

type openaiResponsesRequest struct {
	Model           string               `json:"model"`
	Instructions    string               `json:"instructions,omitempty"`
	Input           []openaiResponseItem `json:"input"`
	Tools           []map[string]any     `json:"tools,omitempty"`
	MaxOutputTokens int                  `json:"max_output_tokens,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
}

type openaiResponseItem struct {
	Type string `json:"type,omitempty"`

	// message items
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// function_call / function_call_output items
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

func buildResponsesInput(req *Request) []openaiResponseItem {
	var out []openaiResponseItem
	for _, msg := range req.Messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, openaiResponseItem{Type: "message", Role: "system", Content: msg.Text()})
		case types.RoleAssistant:
			if text := msg.Text(); text != "" {
				out = append(out, openaiResponseItem{Type: "message", Role: "assistant", Content: text})
			}
			for _, tu := range msg.ToolUses() {
				args, _ := json.Marshal(tu.Input)
				out = append(out, openaiResponseItem{
					Type: "function_call", CallID: tu.ID, Name: tu.Name, Arguments: string(args),
				})
			}
		case types.RoleUser:
			var text string
			for _, block := range msg.Content {
				switch b := block.(type) {
				case *types.TextBlock:
					text += b.Text
				case *types.ToolResultBlock:
					output := b.Content
					if b.IsError {
						output = "Error: " + output
					}
					out = append(out, openaiResponseItem{Type: "function_call_output", CallID: b.ToolUseID, Output: output})
				}
			}
			if text != "" {
				out = append(out, openaiResponseItem{Type: "message", Role: "user", Content: text})
			}
		}
	}
	return out
}

// streamResponses decodes the event-named Responses API protocol
// (response.created, response.output_text.delta, response.output_item.*,
// response.function_call_arguments.delta, response.completed|incomplete).
func (p *OpenAIProvider) streamResponses(ctx context.Context, req *Request) (*Stream, error) {
	var tools []map[string]any
	for _, t := range req.Tools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.InputSchema,
		})
	}

	body := openaiResponsesRequest{
		Model:           req.Model,
		Instructions:    req.System,
		Input:           buildResponsesInput(req),
		Tools:           tools,
		MaxOutputTokens: req.MaxTokens,
		Stream:          true,
	}

	resp, err := p.post(ctx, "/v1/responses", body)
	if err != nil {
		return nil, err
	}

	return newStream(ctx, resp.Body, func(emit func(types.StreamEvent) bool) error {
		scanner := newSSEScanner(resp.Body)
		acc := newBlockAccumulator(emit)

		for {
			frame, err := scanner.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}

			var ev struct {
				Type  string `json:"type"`
				Delta string `json:"delta"`
				Item  *struct {
					Type      string `json:"type"`
					ID        string `json:"id"`
					CallID    string `json:"call_id"`
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"item"`
				ItemID   string `json:"item_id"`
				Response *struct {
					Status string `json:"status"`
					Usage  *struct {
						InputTokens  int `json:"input_tokens"`
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				} `json:"response"`
			}
			if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
				p.log.Debug().Err(err).Str("event", frame.Name).Msg("skipping undecodable stream frame")
				continue
			}

			switch ev.Type {
			case "response.created":
				if !acc.start(nil) {
					return nil
				}

			case "response.output_text.delta":
				if !acc.textDelta(ev.Delta) {
					return nil
				}

			case "response.output_item.added":
				if ev.Item != nil && ev.Item.Type == "function_call" {
					if !acc.toolDelta(ev.Item.ID, ev.Item.CallID, ev.Item.Name, "") {
						return nil
					}
				}

			case "response.function_call_arguments.delta":
				if !acc.toolDelta(ev.ItemID, "", "", ev.Delta) {
					return nil
				}

			case "response.output_item.done":
				// Block close is handled by the accumulator when the
				// next block opens or the response completes.

			case "response.completed", "response.incomplete":
				if ev.Response != nil && ev.Response.Usage != nil {
					acc.usage = &types.UsageInfo{
						InputTokens:  ev.Response.Usage.InputTokens,
						OutputTokens: ev.Response.Usage.OutputTokens,
					}
				}
				if ev.Type == "response.incomplete" {
					acc.stopReason = types.StopMaxTokens
				}
				acc.finish()
				return nil

			case "error":
				emit(types.StreamEvent{Type: types.EventError, Err: frame.Data})
				return nil
			}
		}

		acc.finish()
		return nil
	}), nil
}

// openaiStopReason maps finish_reason values onto the canonical enum.
func openaiStopReason(reason string) types.StopReason {
	switch reason {
	case "stop":
		return types.StopEndTurn
	case "length":
		return types.StopMaxTokens
	case "tool_calls", "function_call":
		return types.StopToolUse
	case "content_filter":
		return types.StopEndTurn
	case "":
		return ""
	default:
		return types.StopEndTurn
	}
}
