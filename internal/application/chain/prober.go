package chain

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/anthropic"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/codewhisperer"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/gemini"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/openai"
)

// ProberRegistry dispatches a health probe to the prober registered for a
// pipeline entry's provider type, mirroring CodecRegistry's shape.
type ProberRegistry map[pipeline.ProviderType]proberFunc

type proberFunc func(ctx context.Context, entry pipeline.PipelineEntry) error

// DefaultProbers wires one prober per provider type against the shared HTTP
// client and credential resolver, the same pair RunNonStreaming uses.
func DefaultProbers(client *http.Client, cred pipeline.CredentialResolver) ProberRegistry {
	return ProberRegistry{
		pipeline.ProviderAnthropic:     (&anthropic.Prober{Client: client, Cred: cred}).Probe,
		pipeline.ProviderOpenAICompat:  (&openai.Prober{Client: client, Cred: cred}).Probe,
		pipeline.ProviderGemini:        (&gemini.Prober{Client: client, Cred: cred}).Probe,
		pipeline.ProviderCodeWhisperer: (&codewhisperer.Prober{Client: client, Cred: cred}).Probe,
	}
}

// Probe implements registry.Prober, routing by the entry's provider type.
func (r ProberRegistry) Probe(ctx context.Context, entry pipeline.PipelineEntry) error {
	fn, ok := r[entry.ProviderType]
	if !ok {
		return fmt.Errorf("chain: no prober registered for provider type %q", entry.ProviderType)
	}
	return fn(ctx, entry)
}
