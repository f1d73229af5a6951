// Package credentials supplies pipeline.CredentialSource implementations
// for the codec Headers() step. Acquisition and refresh of the underlying
// secret (OAuth/SSO flows, key rotation) is out of scope here — this
// package only holds resolved values and reports when they go stale.
package credentials

import (
	"context"
	"sync"

	"github.com/spf13/viper"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// StaticSource returns a fixed API key, e.g. loaded once from the routing
// table's config file at startup.
type StaticSource struct {
	key string
}

func NewStaticSource(key string) *StaticSource { return &StaticSource{key: key} }

func (s *StaticSource) Token(ctx context.Context) (string, error) {
	if s.key == "" {
		return "", pipeline.NewBackendPermanent(nil, "credentials: static source has no key configured")
	}
	return s.key, nil
}

// NoopSource is the credential source for pipelines with no credential_ref
// configured, e.g. a local lmstudio/ollama upstream that takes no auth.
// Token always succeeds with an empty string; it is the codec's job to omit
// auth headers entirely when given an empty token rather than send a blank
// Authorization header.
type NoopSource struct{}

func (NoopSource) Token(ctx context.Context) (string, error) { return "", nil }

// EnvSource reads its key from the environment on every call, via viper's
// env binding so callers get the same key-normalization and optional
// AutomaticEnv prefixing as the rest of the configuration layer.
type EnvSource struct {
	envVar string
	v      *viper.Viper
}

// NewEnvSource binds envVar (e.g. "OPENAI_API_KEY") on v and reads it
// through v on every call; per viper's resolution order, a value set on v
// explicitly or through a bound flag takes precedence over the environment.
func NewEnvSource(v *viper.Viper, envVar string) *EnvSource {
	v.BindEnv(envVar)
	return &EnvSource{envVar: envVar, v: v}
}

func (s *EnvSource) Token(ctx context.Context) (string, error) {
	key := s.v.GetString(s.envVar)
	if key == "" {
		return "", pipeline.NewBackendPermanent(nil, "credentials: environment variable %s is not set", s.envVar)
	}
	return key, nil
}

// Registry maps a routing table's credential_ref strings to resolved
// sources, built once at startup alongside the routing table itself.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]pipeline.CredentialSource
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]pipeline.CredentialSource)}
}

func (r *Registry) Register(ref string, src pipeline.CredentialSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[ref] = src
}

func (r *Registry) Resolve(ref string) (pipeline.CredentialSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[ref]
	if !ok {
		return nil, pipeline.NewBackendPermanent(nil, "credentials: no source registered for ref %q", ref)
	}
	return src, nil
}

var _ pipeline.CredentialResolver = (*Registry)(nil)
