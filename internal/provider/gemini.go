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

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider implements Provider for the Google Gemini API. The
// streaming endpoint usually emits newline-delimited JSON objects, but
// depending on server behavior the response may instead be an SSE stream
// or a single flat JSON array; the client branches on Content-Type.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	log     zerolog.Logger
}

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
}

// NewGeminiProvider creates a new Gemini provider. It fails fast when no
// API key is available from config or GOOGLE_API_KEY.
func NewGeminiProvider(cfg *GeminiConfig) (*GeminiProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w (set GOOGLE_API_KEY)", ErrNoCredentials)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}

	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logging.Component("provider.gemini"),
	}, nil
}

// ID returns the provider identifier.
func (p *GeminiProvider) ID() string { return "google" }

// Name returns the human-readable provider name.
func (p *GeminiProvider) Name() string { return "Google Gemini" }

// SupportsModel reports whether the model belongs to this provider.
func (p *GeminiProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gemini-")
}

// gemini wire types

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse,omitempty"`
	InlineData *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTools   `json:"tools,omitempty"`
	GenerationConfig  *struct {
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiTools struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type geminiChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *geminiChunk) usage() *types.UsageInfo {
	if c.UsageMetadata == nil {
		return nil
	}
	return &types.UsageInfo{
		InputTokens:     c.UsageMetadata.PromptTokenCount - c.UsageMetadata.CachedContentTokenCount,
		OutputTokens:    c.UsageMetadata.CandidatesTokenCount,
		CacheReadTokens: c.UsageMetadata.CachedContentTokenCount,
	}
}

// buildRequest translates the canonical request. Tool results become
// functionResponse parts in a user-role content; the tool_use id has no
// vendor slot, so the function name keys the response instead.
func (p *GeminiProvider) buildRequest(req *Request) geminiRequest {
	out := geminiRequest{}

	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	if len(req.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		out.Tools = []geminiTools{{FunctionDeclarations: decls}}
	}

	// Tool use names by id, needed to reconstruct functionResponse names.
	toolNames := make(map[string]string)
	for _, msg := range req.Messages {
		for _, tu := range msg.ToolUses() {
			toolNames[tu.ID] = tu.Name
		}
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == types.RoleAssistant {
			role = "model"
		}
		if msg.Role == types.RoleSystem {
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Text()}}}
			}
			continue
		}

		content := geminiContent{Role: role}
		for _, block := range msg.Content {
			switch b := block.(type) {
			case *types.TextBlock:
				content.Parts = append(content.Parts, geminiPart{Text: b.Text})
			case *types.ImageBlock:
				part := geminiPart{}
				part.InlineData = &struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				}{MimeType: b.MediaType, Data: b.Data}
				content.Parts = append(content.Parts, part)
			case *types.ToolUseBlock:
				part := geminiPart{}
				part.FunctionCall = &struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				}{Name: b.Name, Args: b.Input}
				content.Parts = append(content.Parts, part)
			case *types.ToolResultBlock:
				response := map[string]any{"output": b.Content}
				if b.IsError {
					response = map[string]any{"error": b.Content}
				}
				part := geminiPart{}
				part.FunctionResponse = &struct {
					Name     string         `json:"name"`
					Response map[string]any `json:"response"`
				}{Name: toolNames[b.ToolUseID], Response: response}
				content.Parts = append(content.Parts, part)
			}
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if req.MaxTokens > 0 || req.Temperature > 0 || len(req.StopSequences) > 0 {
		cfg := &struct {
			MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
			Temperature     *float64 `json:"temperature,omitempty"`
			StopSequences   []string `json:"stopSequences,omitempty"`
		}{MaxOutputTokens: req.MaxTokens, StopSequences: req.StopSequences}
		if req.Temperature > 0 {
			t := req.Temperature
			cfg.Temperature = &t
		}
		out.GenerationConfig = cfg
	}

	return out
}

func (p *GeminiProvider) post(ctx context.Context, model, verb string, body geminiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, model, verb)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", p.apiKey)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Provider: "gemini", StatusCode: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}

// Complete performs a non-streaming completion.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.post(ctx, req.Model, "generateContent", p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chunk geminiChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(chunk.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: response contains no candidates")
	}

	cand := chunk.Candidates[0]
	out := &Response{StopReason: geminiStopReason(cand.FinishReason)}
	if u := chunk.usage(); u != nil {
		out.Usage = *u
	}

	callSeq := 0
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			callSeq++
			out.Content = append(out.Content, &types.ToolUseBlock{
				ID:    fmt.Sprintf("%s-%d", part.FunctionCall.Name, callSeq),
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		case part.Text != "":
			out.Content = append(out.Content, &types.TextBlock{Text: part.Text})
		}
	}
	if callSeq > 0 && out.StopReason == types.StopEndTurn {
		out.StopReason = types.StopToolUse
	}
	return out, nil
}

// Stream performs a streaming completion. The default wire format is
// newline-delimited JSON objects; text/event-stream and application/json
// responses are decoded through the matching fallback path.
func (p *GeminiProvider) Stream(ctx context.Context, req *Request) (*Stream, error) {
	resp, err := p.post(ctx, req.Model, "streamGenerateContent", p.buildRequest(req))
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")

	return newStream(ctx, resp.Body, func(emit func(types.StreamEvent) bool) error {
		acc := newBlockAccumulator(emit)
		handle := func(chunk geminiChunk) bool {
			return p.handleChunk(&chunk, acc, emit)
		}

		var err error
		switch {
		case strings.HasPrefix(contentType, "text/event-stream"):
			err = p.decodeSSE(resp.Body, handle)
		case strings.HasPrefix(contentType, "application/json"):
			err = p.decodeArray(resp.Body, handle)
		default:
			err = p.decodeNDJSON(resp.Body, handle)
		}
		if err != nil {
			return err
		}

		acc.finish()
		return nil
	}), nil
}

// handleChunk routes one decoded vendor object through the accumulator.
// It returns false once the consumer has gone away or the stream ended.
func (p *GeminiProvider) handleChunk(chunk *geminiChunk, acc *blockAccumulator, emit func(types.StreamEvent) bool) bool {
	if chunk.Error != nil {
		// Vendor errors inside the stream become canonical error events.
		if acc.started() {
			emit(types.StreamEvent{Type: types.EventError, Err: chunk.Error.Message})
			return false
		}
		acc.start(nil)
		emit(types.StreamEvent{Type: types.EventError, Err: chunk.Error.Message})
		return false
	}

	if !acc.start(nil) {
		return false
	}
	if u := chunk.usage(); u != nil {
		acc.usage = u
	}

	callSeq := 0
	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				callSeq++
				// functionCall parts arrive complete; emit the full
				// argument JSON as a single delta so fragment
				// concatenation parses at block stop.
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					p.log.Debug().Err(err).Msg("unencodable function call args")
					args = []byte("{}")
				}
				key := fmt.Sprintf("%s-%d-%d", part.FunctionCall.Name, acc.nextIndex, callSeq)
				if !acc.toolDelta(key, key, part.FunctionCall.Name, string(args)) {
					return false
				}
				if !acc.closeOpen() {
					return false
				}
			case part.Text != "":
				if !acc.textDelta(part.Text) {
					return false
				}
			}
		}
		if cand.FinishReason != "" {
			acc.stopReason = geminiStopReason(cand.FinishReason)
		}
	}
	return true
}

// decodeNDJSON decodes one JSON object per line, skipping malformed
// lines.
func (p *GeminiProvider) decodeNDJSON(r io.Reader, handle func(geminiChunk) bool) error {
	lines := newLineScanner(r)
	for {
		line, err := lines.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(line), "["), ",")
		line = strings.TrimSuffix(line, "]")
		if line == "" {
			continue
		}

		var chunk geminiChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			p.log.Debug().Err(err).Msg("skipping undecodable stream line")
			continue
		}
		if !handle(chunk) {
			return nil
		}
	}
}

// decodeSSE decodes `data:` frames carrying the same chunk objects.
func (p *GeminiProvider) decodeSSE(r io.Reader, handle func(geminiChunk) bool) error {
	scanner := newSSEScanner(r)
	for {
		frame, err := scanner.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var chunk geminiChunk
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			p.log.Debug().Err(err).Msg("skipping undecodable stream frame")
			continue
		}
		if !handle(chunk) {
			return nil
		}
	}
}

// decodeArray decodes a single non-streaming JSON array of chunk
// objects delivered in one body.
func (p *GeminiProvider) decodeArray(r io.Reader, handle func(geminiChunk) bool) error {
	var chunks []geminiChunk
	if err := json.NewDecoder(r).Decode(&chunks); err != nil {
		return fmt.Errorf("gemini: decode response array: %w", err)
	}
	for _, chunk := range chunks {
		if !handle(chunk) {
			return nil
		}
	}
	return nil
}

// geminiStopReason maps finishReason values onto the canonical enum.
func geminiStopReason(reason string) types.StopReason {
	switch reason {
	case "STOP":
		return types.StopEndTurn
	case "MAX_TOKENS":
		return types.StopMaxTokens
	case "":
		return ""
	default:
		return types.StopEndTurn
	}
}
