package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/conduit-ai/conduit/internal/compact"
	"github.com/conduit-ai/conduit/internal/config"
	"github.com/conduit-ai/conduit/internal/event"
	"github.com/conduit-ai/conduit/internal/hook"
	"github.com/conduit-ai/conduit/internal/logging"
	"github.com/conduit-ai/conduit/internal/permission"
	"github.com/conduit-ai/conduit/internal/provider"
	"github.com/conduit-ai/conduit/internal/session"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/tool"
	"github.com/conduit-ai/conduit/pkg/types"
)

// app bundles the wired collaborators the commands run with.
type app struct {
	config   *types.Config
	sessions *session.Manager
	bus      *event.Bus
}

// bootstrap loads configuration and wires providers, tools, hooks,
// compaction, storage, and the event bus into a session manager.
func bootstrap(dir string) (*app, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		logging.Init(logging.Config{Level: logging.ParseLevel(cfg.LogLevel), Pretty: true})
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		return nil, err
	}

	tools := tool.NewRegistry()
	tools.Register(tool.NewBashTool(dir))
	tools.Register(tool.NewGlobTool(dir))

	hooks := hook.NewManager()
	hooks.Add(hook.EventPreToolUse, hook.Matcher{
		Hooks: []hook.Func{permission.NewRepeatGuard().Hook()},
	})
	if policy := buildPolicy(cfg); policy != nil {
		hooks.Add(hook.EventPreToolUse, hook.Matcher{
			Hooks: []hook.Func{permission.BashHook(policy)},
		})
	}

	compactor := buildCompactor(cfg)

	store := storage.NewFileStore(filepath.Join(cfg.DataDir, "sessions"))
	bus := event.NewBus()

	sessions := session.NewManager(session.ManagerOptions{
		Resolver:  resolver,
		Tools:     tools,
		Hooks:     hooks,
		Compactor: compactor,
		Store:     store,
		Bus:       bus,
	})

	return &app{config: cfg, sessions: sessions, bus: bus}, nil
}

// buildResolver registers every provider whose credentials are
// available. Providers without keys are skipped; it is an error only
// when none can be built.
func buildResolver(cfg *types.Config) (*provider.Resolver, error) {
	resolver := provider.NewResolver()
	log := logging.Component("bootstrap")

	register := func(id string, build func(types.ProviderConfig) (provider.Provider, error)) {
		p, err := build(cfg.Provider[id])
		if err != nil {
			if errors.Is(err, provider.ErrNoCredentials) {
				log.Debug().Str("provider", id).Msg("skipped, no credentials")
				return
			}
			log.Warn().Str("provider", id).Err(err).Msg("provider unavailable")
			return
		}
		resolver.Register(p)
	}

	register("anthropic", func(pc types.ProviderConfig) (provider.Provider, error) {
		return provider.NewAnthropicProvider(&provider.AnthropicConfig{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	})
	register("openai", func(pc types.ProviderConfig) (provider.Provider, error) {
		return provider.NewOpenAIProvider(&provider.OpenAIConfig{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	})
	register("google", func(pc types.ProviderConfig) (provider.Provider, error) {
		return provider.NewGeminiProvider(&provider.GeminiConfig{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	})

	if !resolver.HasProviders() {
		return nil, fmt.Errorf("no providers available: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GOOGLE_API_KEY")
	}
	if cfg.DefaultProvider != "" {
		resolver.SetDefault(cfg.DefaultProvider)
	}
	return resolver, nil
}

// buildPolicy translates configured permission rules into a bash
// policy. No configuration means no bash policy hook.
func buildPolicy(cfg *types.Config) *permission.Policy {
	p := cfg.Permission
	if p == nil {
		return nil
	}
	policy := &permission.Policy{
		Bash:    make(map[string]permission.Action, len(p.Bash)),
		Default: permission.Action(p.Default),
	}
	for pattern, action := range p.Bash {
		policy.Bash[pattern] = permission.Action(action)
	}
	return policy
}

func buildCompactor(cfg *types.Config) *compact.Compactor {
	opts := compact.Options{}
	if c := cfg.Compaction; c != nil {
		opts.MaxTokens = c.MaxTokens
		opts.KeepTurns = c.KeepTurns
		opts.PruneProtect = c.PruneProtect
		opts.PruneMinimum = c.PruneMinimum
	}
	return compact.New(opts)
}
