// Package types defines the canonical data model shared by the provider
// layer and the session engine: messages, content blocks, stream events,
// and usage accounting. Provider clients translate vendor wire formats
// into these types and nothing above the provider layer ever sees a
// vendor-specific shape.
package types

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. Messages are immutable once
// appended to a session's history; compaction replaces the history
// wholesale rather than editing messages in place.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewTextMessage builds a message containing a single text block.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{&TextBlock{Text: text}}}
}

// NewUserMessage builds a user message containing a single text block.
func NewUserMessage(text string) Message {
	return NewTextMessage(RoleUser, text)
}

// NewAssistantMessage builds an assistant message from content blocks.
func NewAssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: blocks}
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if tb, ok := b.(*TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the message in emission order.
func (m Message) ToolUses() []*ToolUseBlock {
	var uses []*ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(*ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// UnmarshalJSON decodes the content array through the block union.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = make([]ContentBlock, 0, len(raw.Content))
	for _, rb := range raw.Content {
		block, err := UnmarshalContentBlock(rb)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, block)
	}
	return nil
}

// ContentBlock is one unit of message content.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (b *TextBlock) BlockType() string { return "text" }

func (b *TextBlock) MarshalJSON() ([]byte, error) {
	type alias TextBlock
	a := alias(*b)
	a.Type = "text"
	return json.Marshal(a)
}

// ImageBlock is base64-encoded image content.
type ImageBlock struct {
	Type      string `json:"type"` // always "image"
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

func (b *ImageBlock) BlockType() string { return "image" }

func (b *ImageBlock) MarshalJSON() ([]byte, error) {
	type alias ImageBlock
	a := alias(*b)
	a.Type = "image"
	return json.Marshal(a)
}

// ToolUseBlock is a model-requested tool invocation. ID is unique within
// a turn and every ToolResultBlock must reference one.
type ToolUseBlock struct {
	Type  string         `json:"type"` // always "tool_use"
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (b *ToolUseBlock) BlockType() string { return "tool_use" }

func (b *ToolUseBlock) MarshalJSON() ([]byte, error) {
	type alias ToolUseBlock
	a := alias(*b)
	a.Type = "tool_use"
	return json.Marshal(a)
}

// ToolResultBlock carries the outcome of one tool invocation back to the
// model, keyed by the originating tool_use id.
type ToolResultBlock struct {
	Type      string `json:"type"` // always "tool_result"
	ToolUseID string `json:"toolUseID"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

func (b *ToolResultBlock) BlockType() string { return "tool_result" }

func (b *ToolResultBlock) MarshalJSON() ([]byte, error) {
	type alias ToolResultBlock
	a := alias(*b)
	a.Type = "tool_result"
	return json.Marshal(a)
}

// UnmarshalContentBlock decodes a JSON block into the matching union member.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "image":
		var b ImageBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("unknown content block type: %q", probe.Type)
	}
}

// StopReason is the canonical vocabulary for why a model stopped
// generating. Each provider maps its vendor-specific values onto these.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
	StopError        StopReason = "error"
)

// UsageInfo counts tokens across provider calls. Counts accumulate
// monotonically for the lifetime of a session; only an explicit session
// reset clears them.
type UsageInfo struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int `json:"cacheReadTokens,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *UsageInfo) Add(other UsageInfo) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Total returns the combined token count.
func (u UsageInfo) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}
