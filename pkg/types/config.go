package types

// Config is the application configuration loaded from JSONC files and
// environment overrides.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	// Model is the default "model" string resolved through the provider
	// resolver when a session does not name one.
	Model string `json:"model,omitempty"`

	// DefaultProvider is consulted by the resolver when neither a
	// supportsModel match nor a pattern rule matches.
	DefaultProvider string `json:"defaultProvider,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty"`

	// DataDir is where session state is persisted.
	DataDir string `json:"dataDir,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	Compaction *CompactionSettings `json:"compaction,omitempty"`

	Permission *PermissionSettings `json:"permission,omitempty"`
}

// PermissionSettings declares the bash tool policy. Keys are command
// patterns ("git", "git push *", "*"); values are allow, ask, or deny.
type PermissionSettings struct {
	Bash    map[string]string `json:"bash,omitempty"`
	Default string            `json:"default,omitempty"`
}

// ProviderConfig configures one provider client.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

// CompactionSettings overrides the compactor defaults.
type CompactionSettings struct {
	MaxTokens    int `json:"maxTokens,omitempty"`
	KeepTurns    int `json:"keepTurns,omitempty"`
	PruneProtect int `json:"pruneProtect,omitempty"`
	PruneMinimum int `json:"pruneMinimum,omitempty"`
}
