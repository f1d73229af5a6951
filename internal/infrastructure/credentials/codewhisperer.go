package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// CodeWhispererSource holds a pre-fetched AWS Builder ID / SSO bearer token.
// Refresh is delegated entirely to the caller; once the token's ExpiresAt has
// passed this source refuses every call rather than attempting to refresh it
// itself, so an expired token surfaces as an immediate backend_permanent
// fault instead of a silent stall inside a credential refresh call the
// pipeline doesn't own.
type CodeWhispererSource struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func NewCodeWhispererSource(token string, expiresAt time.Time) *CodeWhispererSource {
	return &CodeWhispererSource{token: token, expiresAt: expiresAt}
}

// Set replaces the held token, called by whatever out-of-band refresh loop
// owns the OAuth/SSO flow.
func (s *CodeWhispererSource) Set(token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expiresAt = token, expiresAt
}

func (s *CodeWhispererSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", pipeline.NewBackendPermanent(nil, "credentials: codewhisperer token not yet fetched")
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		return "", pipeline.NewBackendPermanent(nil, "credentials: codewhisperer token expired at %s", s.expiresAt)
	}
	return s.token, nil
}

var _ pipeline.CredentialSource = (*CodeWhispererSource)(nil)
