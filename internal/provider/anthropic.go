package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/logging"
	"github.com/conduit-ai/conduit/pkg/types"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// AnthropicProvider implements Provider for the Anthropic Messages API.
// The canonical StreamEvent vocabulary mirrors this vendor's SSE event
// taxonomy, so streaming translation is close to one-to-one.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	log     zerolog.Logger
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropicProvider creates a new Anthropic provider. It fails fast
// when no API key is available from config or ANTHROPIC_API_KEY.
func NewAnthropicProvider(cfg *AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w (set ANTHROPIC_API_KEY)", ErrNoCredentials)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logging.Component("provider.anthropic"),
	}, nil
}

// ID returns the provider identifier.
func (p *AnthropicProvider) ID() string { return "anthropic" }

// Name returns the human-readable provider name.
func (p *AnthropicProvider) Name() string { return "Anthropic" }

// SupportsModel reports whether the model belongs to this provider.
func (p *AnthropicProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// anthropic wire types

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) canonical() types.UsageInfo {
	return types.UsageInfo{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

// buildRequest translates a canonical request into the vendor body.
// Assistant tool_use blocks and user tool_result blocks keep their
// native shape; Anthropic tool results live inside user messages.
func (p *AnthropicProvider) buildRequest(req *Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		System:        req.System,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	for _, msg := range req.Messages {
		if msg.Role == types.RoleSystem {
			// System text rides the dedicated field.
			if out.System == "" {
				out.System = msg.Text()
			}
			continue
		}

		am := anthropicMessage{Role: string(msg.Role)}
		for _, block := range msg.Content {
			switch b := block.(type) {
			case *types.TextBlock:
				am.Content = append(am.Content, anthropicBlock{Type: "text", Text: b.Text})
			case *types.ImageBlock:
				am.Content = append(am.Content, anthropicBlock{
					Type:   "image",
					Source: &anthropicImageSource{Type: "base64", MediaType: b.MediaType, Data: b.Data},
				})
			case *types.ToolUseBlock:
				am.Content = append(am.Content, anthropicBlock{
					Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input,
				})
			case *types.ToolResultBlock:
				am.Content = append(am.Content, anthropicBlock{
					Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError,
				})
			}
		}
		out.Messages = append(out.Messages, am)
	}

	return out
}

func (p *AnthropicProvider) do(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}

// Complete performs a non-streaming completion.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.do(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	out := &Response{
		StopReason: anthropicStopReason(parsed.StopReason),
		Usage:      parsed.Usage.canonical(),
	}
	for _, b := range parsed.Content {
		switch b.Type {
		case "text":
			out.Content = append(out.Content, &types.TextBlock{Text: b.Text})
		case "tool_use":
			out.Content = append(out.Content, &types.ToolUseBlock{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return out, nil
}

// anthropic SSE payloads

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *anthropicBlock `json:"content_block,omitempty"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *anthropicUsage `json:"usage,omitempty"`

	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream performs a streaming completion over the named-event SSE
// protocol.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (*Stream, error) {
	resp, err := p.do(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	return newStream(ctx, resp.Body, func(emit func(types.StreamEvent) bool) error {
		scanner := newSSEScanner(resp.Body)
		for {
			frame, err := scanner.Next()
			if err == io.EOF {
				// The message_stop and error cases below return from the
				// decode loop, so reaching EOF here means the connection
				// dropped mid-message.
				return fmt.Errorf("anthropic: stream closed before message_stop: %w", io.ErrUnexpectedEOF)
			}
			if err != nil {
				return err
			}

			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
				// Malformed frames are skipped, not fatal; log so silent
				// decode failures stay observable.
				p.log.Debug().Err(err).Str("event", frame.Name).Msg("skipping undecodable stream frame")
				continue
			}

			switch ev.Type {
			case "message_start":
				out := types.StreamEvent{Type: types.EventMessageStart}
				if ev.Message != nil {
					u := ev.Message.Usage.canonical()
					out.Usage = &u
				}
				if !emit(out) {
					return nil
				}

			case "content_block_start":
				out := types.StreamEvent{Type: types.EventContentBlockStart, Index: ev.Index}
				if ev.ContentBlock != nil {
					switch ev.ContentBlock.Type {
					case "tool_use":
						out.Block = &types.ToolUseBlock{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
					default:
						out.Block = &types.TextBlock{Text: ev.ContentBlock.Text}
					}
				}
				if !emit(out) {
					return nil
				}

			case "content_block_delta":
				delta := ev.Delta.Text
				if ev.Delta.Type == "input_json_delta" {
					delta = ev.Delta.PartialJSON
				}
				if !emit(types.StreamEvent{Type: types.EventContentBlockDelta, Index: ev.Index, Delta: delta}) {
					return nil
				}

			case "content_block_stop":
				if !emit(types.StreamEvent{Type: types.EventContentBlockStop, Index: ev.Index}) {
					return nil
				}

			case "message_delta":
				out := types.StreamEvent{
					Type:       types.EventMessageDelta,
					StopReason: anthropicStopReason(ev.Delta.StopReason),
				}
				if ev.Usage != nil {
					u := ev.Usage.canonical()
					out.Usage = &u
				}
				if !emit(out) {
					return nil
				}

			case "message_stop":
				emit(types.StreamEvent{Type: types.EventMessageStop})
				return nil

			case "error":
				// Vendor errors inside the stream are events, not panics.
				msg := "unknown stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				emit(types.StreamEvent{Type: types.EventError, Err: msg})
				return nil

			case "ping":
				// Keepalive, nothing to forward.
			}
		}
	}), nil
}

// anthropicStopReason maps the vendor stop-reason vocabulary onto the
// canonical enum.
func anthropicStopReason(reason string) types.StopReason {
	switch reason {
	case "end_turn":
		return types.StopEndTurn
	case "max_tokens":
		return types.StopMaxTokens
	case "stop_sequence":
		return types.StopStopSequence
	case "tool_use":
		return types.StopToolUse
	case "":
		return ""
	default:
		return types.StopEndTurn
	}
}
