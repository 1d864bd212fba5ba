package types

// SessionConfig is the per-session configuration fixed at creation time.
type SessionConfig struct {
	Model         string  `json:"model"`
	SystemPrompt  string  `json:"systemPrompt,omitempty"`
	MaxTokens     int     `json:"maxTokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTurnSteps  int     `json:"maxTurnSteps,omitempty"`
	ContextTokens int     `json:"contextTokens,omitempty"`
}

// Session is one stateful multi-turn conversation bound to one provider
// and one tool set. It is created by the session manager and mutated only
// by the engine that owns it.
type Session struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parentID,omitempty"`
	Config    SessionConfig     `json:"config"`
	Messages  []Message         `json:"messages"`
	Usage     UsageInfo         `json:"usage"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
}
