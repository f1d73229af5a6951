package pipeline

import "context"

// CredentialSource resolves a credential_ref to a live secret at call time,
// so rotation never requires a routing-table rebuild.
type CredentialSource interface {
	// Token returns the current bearer/API-key value for this source. The
	// codec decides how to place it on the wire (header name, scheme).
	Token(ctx context.Context) (string, error)
}

// CredentialResolver looks up the CredentialSource registered under a
// credential_ref, as found on a PipelineEntry.
type CredentialResolver interface {
	Resolve(credentialRef string) (CredentialSource, error)
}
