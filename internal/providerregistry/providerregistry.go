// Package providerregistry resolves (model -> provider) and formats
// authentication headers per provider (spec §4.8).
//
// Grounded on the teacher's internal/config/provider.go (Provider,
// ProviderType, auth-scheme tagged-struct shape) and the per-provider auth
// header precedent in internal/auth/claude/anthropic.go and
// internal/auth/codex/openai.go.
package providerregistry

import "fmt"

// AuthScheme selects how a provider's API key is carried on the wire
// (spec §4.8).
type AuthScheme string

const (
	AuthSchemeXAPIKey AuthScheme = "x-api-key"
	AuthSchemeBearer  AuthScheme = "bearer"
	AuthSchemeCustom  AuthScheme = "custom"
)

// Provider is one upstream's connection + auth configuration.
type Provider struct {
	Name              string
	TargetHost        string
	TargetBasePath    string
	TargetProtocol    string
	AuthScheme        AuthScheme
	CustomAuthHeader  string
	ExtraHeaders      map[string]string
	CostTier          string // free | metered | premium
}

// ModelMapping is the value type of the `modelMapping` config entry
// (spec §4.8): either a bare target-model string, or an explicit
// {target, provider} pair.
type ModelMapping struct {
	Target   string
	Provider string // empty = use default provider
}

// Registry is a small, pure lookup — no mutable runtime state, so it is
// safe for concurrent use without a lock (spec §4.8 "small lookup").
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
	// silentDefaultInjected is set true once if the default provider was
	// injected implicitly because the caller configured others without
	// naming a default (spec §4.8).
	silentDefaultInjected bool
}

// New builds a Registry from the configured provider set and an explicit
// default provider name. If defaultProvider is empty and providers is
// non-empty, the first configured provider (in map iteration order is
// unstable, so callers should pass an explicit default when order
// matters) is injected as default and silentDefaultInjected is set.
func New(providers map[string]Provider, defaultProvider string) *Registry {
	r := &Registry{providers: providers, defaultProvider: defaultProvider}
	if r.defaultProvider == "" && len(providers) > 0 {
		for name := range providers {
			r.defaultProvider = name
			break
		}
		r.silentDefaultInjected = true
	}
	return r
}

// SilentDefaultInjected reports whether the default provider was injected
// implicitly (spec §4.8 `_silentDefaultInjected`).
func (r *Registry) SilentDefaultInjected() bool { return r.silentDefaultInjected }

// Resolution is the result of ResolveProviderForModel.
type Resolution struct {
	ProviderName string
	TargetModel  string
}

// ResolveProviderForModel applies the `modelMapping` semantics of spec
// §4.8: a bare string maps to the default provider; a {target, provider}
// pair uses the named provider if configured; an unconfigured named
// provider is a hard failure (nil, false) the caller must turn into a 503;
// no matching mapping falls back to the default provider with the
// original model name unchanged.
func (r *Registry) ResolveProviderForModel(model string, mapping map[string]ModelMapping) (*Resolution, bool) {
	m, ok := mapping[model]
	if !ok {
		return &Resolution{ProviderName: r.defaultProvider, TargetModel: model}, true
	}

	providerName := m.Provider
	if providerName == "" {
		providerName = r.defaultProvider
	}
	if _, configured := r.providers[providerName]; !configured {
		return nil, false
	}

	target := m.Target
	if target == "" {
		target = model
	}
	return &Resolution{ProviderName: providerName, TargetModel: target}, true
}

// AuthHeader is a formatted (name, value) header pair.
type AuthHeader struct {
	Name  string
	Value string
}

// FormatAuthHeader builds the wire auth header for providerName given a
// raw API key (spec §4.8).
func (r *Registry) FormatAuthHeader(providerName, apiKey string) (*AuthHeader, bool) {
	p, ok := r.providers[providerName]
	if !ok {
		return nil, false
	}
	switch p.AuthScheme {
	case AuthSchemeXAPIKey:
		return &AuthHeader{Name: "x-api-key", Value: apiKey}, true
	case AuthSchemeBearer:
		return &AuthHeader{Name: "authorization", Value: "Bearer " + apiKey}, true
	case AuthSchemeCustom:
		if p.CustomAuthHeader == "" {
			return nil, false
		}
		return &AuthHeader{Name: p.CustomAuthHeader, Value: apiKey}, true
	default:
		return nil, false
	}
}

// Provider returns the configured Provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// DefaultProvider returns the registry's default provider name.
func (r *Registry) DefaultProvider() string { return r.defaultProvider }

// BaseURL renders providerName's target base URL.
func BaseURL(p Provider) string {
	return fmt.Sprintf("%s://%s%s", p.TargetProtocol, p.TargetHost, p.TargetBasePath)
}
