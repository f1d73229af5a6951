package pipeline

import "context"

// Stage is the single capability every transform-chain link implements: one
// process(input, ctx) -> output method, in place of a monolithic
// per-provider transformer. No type in this module implements Stage, and
// neither the orchestrator nor the chain runs a []Stage: the chain applies
// validation, the Codec and the upstream call directly.
type Stage interface {
	Name() string
	ProcessRequest(ctx context.Context, req *Request) (*Request, error)
	ProcessResponse(ctx context.Context, resp *Response) (*Response, error)
}

// Codec converts the canonical Request/Response to and from one upstream
// provider's wire format. A Codec has no knowledge of routing,
// balancing, or retries; it is pure translation. The chain issues the HTTP
// call with the body and headers a Codec returns.
type Codec interface {
	// Encode renders the canonical request into the upstream's wire body and
	// returns the endpoint path to POST it to (relative to PipelineEntry.EndpointURL).
	Encode(ctx context.Context, req *Request, entry PipelineEntry) (path string, body []byte, err error)

	// DecodeResponse parses a non-streaming upstream response body into the
	// canonical Response.
	DecodeResponse(ctx context.Context, body []byte) (*Response, error)

	// DecodeStream parses an upstream SSE (or newline-delimited JSON) stream
	// into canonical StreamEvents, emitting each on events before returning
	// the final accumulated Response for usage/stop-reason bookkeeping.
	DecodeStream(ctx context.Context, raw StreamSource, events chan<- StreamEvent) (*Response, error)

	// Headers returns the auth headers (and any other wire-level headers)
	// to attach to the upstream HTTP call, resolving cred at call time so
	// credential rotation never requires a routing-table rebuild.
	Headers(ctx context.Context, cred CredentialSource) (map[string]string, error)
}

// StreamSource is the minimal reader surface a Codec's stream decoder
// consumes; infrastructure/sse supplies the idle-timeout implementation.
type StreamSource interface {
	ReadLine() (line string, err error)
}
