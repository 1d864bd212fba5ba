package provider

import (
	"fmt"
	"regexp"
	"sync"
)

// Resolver maps model identifiers to registered providers. Resolution
// precedence is a contract other components depend on:
//
//  1. the first registered provider whose SupportsModel returns true,
//     in registration order;
//  2. the first matching pattern rule, scanned front to back (rules
//     added later are inserted at the front, so custom rules outrank
//     built-ins);
//  3. the configured default provider, if any.
type Resolver struct {
	mu        sync.RWMutex
	providers []Provider
	byID      map[string]Provider
	rules     []patternRule
	defaultID string
}

type patternRule struct {
	pattern    *regexp.Regexp
	providerID string
}

// Built-in rules cover model families whose prefix conventions are
// stable across vendor releases.
var builtinRules = []patternRule{
	{regexp.MustCompile(`^claude-`), "anthropic"},
	{regexp.MustCompile(`^(gpt-|o[0-9])`), "openai"},
	{regexp.MustCompile(`^gemini-`), "google"},
}

// NewResolver creates a resolver seeded with the built-in pattern
// rules.
func NewResolver() *Resolver {
	rules := make([]patternRule, len(builtinRules))
	copy(rules, builtinRules)
	return &Resolver{
		byID:  make(map[string]Provider),
		rules: rules,
	}
}

// Register adds a provider. Registration order decides ties between
// providers that both claim a model.
func (r *Resolver) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[p.ID()]; exists {
		return
	}
	r.providers = append(r.providers, p)
	r.byID[p.ID()] = p
}

// HasProviders reports whether any provider is registered.
func (r *Resolver) HasProviders() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers) > 0
}

// SetDefault names the provider returned when nothing else matches.
func (r *Resolver) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultID = providerID
}

// AddPattern inserts a rule at the front of the rule list so it
// outranks every earlier rule, built-ins included.
func (r *Resolver) AddPattern(pattern string, providerID string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("resolver: compile pattern %q: %w", pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]patternRule{{pattern: re, providerID: providerID}}, r.rules...)
	return nil
}

// RemovePatterns drops every rule that routes to the given provider.
func (r *Resolver) RemovePatterns(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.providerID != providerID {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
}

// Resolve returns the provider for a model identifier.
func (r *Resolver) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p := r.resolve(model); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("resolver: no provider for model %q", model)
}

// CanResolve reports whether Resolve would succeed for the model.
func (r *Resolver) CanResolve(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(model) != nil
}

// ProviderIDForModel returns the id Resolve would pick without
// requiring the provider to be registered for steps 2 and 3.
func (r *Resolver) ProviderIDForModel(model string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.SupportsModel(model) {
			return p.ID(), true
		}
	}
	for _, rule := range r.rules {
		if rule.pattern.MatchString(model) {
			return rule.providerID, true
		}
	}
	if r.defaultID != "" {
		return r.defaultID, true
	}
	return "", false
}

func (r *Resolver) resolve(model string) Provider {
	for _, p := range r.providers {
		if p.SupportsModel(model) {
			return p
		}
	}
	for _, rule := range r.rules {
		if rule.pattern.MatchString(model) {
			if p, ok := r.byID[rule.providerID]; ok {
				return p
			}
		}
	}
	if r.defaultID != "" {
		if p, ok := r.byID[r.defaultID]; ok {
			return p
		}
	}
	return nil
}
