package chain

import (
	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/anthropic"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/codewhisperer"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/gemini"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/codec/openai"
)

// CodecRegistry maps a provider type to its stateless Codec. Built once at
// startup and shared across every request.
type CodecRegistry map[pipeline.ProviderType]pipeline.Codec

// DefaultCodecs wires every provider type this gateway understands.
func DefaultCodecs() CodecRegistry {
	return CodecRegistry{
		pipeline.ProviderAnthropic:     anthropic.New(),
		pipeline.ProviderOpenAICompat:  openai.New(),
		pipeline.ProviderGemini:        gemini.New(),
		pipeline.ProviderCodeWhisperer: codewhisperer.New(),
	}
}

// For looks up the codec for a pipeline entry's provider type.
func (r CodecRegistry) For(pt pipeline.ProviderType) (pipeline.Codec, bool) {
	c, ok := r[pt]
	return c, ok
}
