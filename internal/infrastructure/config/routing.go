package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
	"github.com/ngoclaw/llmgateway/internal/infrastructure/credentials"
)

// RoutingFile is the on-disk shape of the routing table: one entry per
// category, a default category name, classifier thresholds, and the
// credential sources each pipeline's credential_ref resolves against.
type RoutingFile struct {
	DefaultCategory string                    `yaml:"default_category"`
	Categories      map[string]CategoryFile   `yaml:"categories"`
	Classifier      ClassifierFile            `yaml:"classifier"`
	Credentials     map[string]CredentialFile `yaml:"credentials"`
}

// CategoryFile is one category's balancing strategy and pipeline list.
type CategoryFile struct {
	Strategy         string         `yaml:"strategy"`
	StickySessionTTL time.Duration  `yaml:"sticky_session_ttl"`
	Pipelines        []PipelineFile `yaml:"pipelines"`
}

// PipelineFile is one routable backend instance on disk.
type PipelineFile struct {
	PipelineID    string       `yaml:"pipeline_id"`
	ProviderID    string       `yaml:"provider_id"`
	ProviderType  string       `yaml:"provider_type"`
	EndpointURL   string       `yaml:"endpoint_url"`
	UpstreamModel string       `yaml:"upstream_model"`
	CredentialRef string       `yaml:"credential_ref"`
	Weight        int          `yaml:"weight"`
	MaxConcurrent int          `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int          `yaml:"max_retries"`
	Hints         HintsFile    `yaml:"hints"`
}

// HintsFile carries per-pipeline upstream compatibility overrides.
type HintsFile struct {
	BufferToolCalls bool   `yaml:"buffer_tool_calls"`
	ForceStream     string `yaml:"force_stream"` // "", "on", "off"
	ContentShape    string `yaml:"content_shape"` // "", "string", "array"
	MaxTokensCap    int    `yaml:"max_tokens_cap"`
}

// ClassifierFile carries deployment-tunable classification thresholds.
type ClassifierFile struct {
	LongContextTokenThreshold int      `yaml:"long_context_token_threshold"`
	SearchToolNames           []string `yaml:"search_tool_names"`
	BackgroundModelPatterns   []string `yaml:"background_model_patterns"`
}

// CredentialFile names the source a credential_ref resolves against: an
// environment variable read at call time, or a fixed value pinned in the
// file (acceptable for local dev, discouraged in committed config).
type CredentialFile struct {
	Type   string `yaml:"type"` // "env" | "static"
	EnvVar string `yaml:"env_var"`
	Value  string `yaml:"value"`
}

// LoadRoutingFile reads and parses the routing table YAML at path.
func LoadRoutingFile(path string) (*RoutingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read routing file %s: %w", path, err)
	}
	var rf RoutingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("config: parse routing file %s: %w", path, err)
	}
	return &rf, nil
}

// BuildTable converts a parsed RoutingFile into the canonical
// pipeline.RoutingTable the orchestrator consults per request.
func BuildTable(rf *RoutingFile) (*pipeline.RoutingTable, error) {
	if rf.DefaultCategory == "" {
		return nil, fmt.Errorf("config: routing file missing default_category")
	}
	if _, ok := rf.Categories[rf.DefaultCategory]; !ok {
		return nil, fmt.Errorf("config: default_category %q has no entry under categories", rf.DefaultCategory)
	}

	table := &pipeline.RoutingTable{
		DefaultCategory: pipeline.Category(rf.DefaultCategory),
		Categories:      make(map[pipeline.Category][]pipeline.PipelineEntry, len(rf.Categories)),
		CategoryConfigs: make(map[pipeline.Category]pipeline.CategoryConfig, len(rf.Categories)),
		ClassifierConfig: pipeline.ClassifierConfig{
			LongContextTokenThreshold: rf.Classifier.LongContextTokenThreshold,
			SearchToolNames:           rf.Classifier.SearchToolNames,
			BackgroundModelPatterns:   rf.Classifier.BackgroundModelPatterns,
		},
	}
	if table.ClassifierConfig.LongContextTokenThreshold == 0 {
		table.ClassifierConfig = pipeline.DefaultClassifierConfig()
	}

	for name, cat := range rf.Categories {
		category := pipeline.Category(name)
		entries := make([]pipeline.PipelineEntry, 0, len(cat.Pipelines))
		for _, p := range cat.Pipelines {
			if p.PipelineID == "" {
				return nil, fmt.Errorf("config: category %q has a pipeline with no pipeline_id", name)
			}
			entries = append(entries, pipeline.PipelineEntry{
				PipelineID:    p.PipelineID,
				ProviderID:    p.ProviderID,
				ProviderType:  pipeline.ProviderType(p.ProviderType),
				EndpointURL:   p.EndpointURL,
				UpstreamModel: p.UpstreamModel,
				CredentialRef: p.CredentialRef,
				Weight:        p.Weight,
				MaxConcurrent: p.MaxConcurrent,
				Timeout:       p.Timeout,
				MaxRetries:    p.MaxRetries,
				Hints: pipeline.CompatibilityHints{
					BufferToolCalls: p.Hints.BufferToolCalls,
					ForceStream:     pipeline.ForceStream(p.Hints.ForceStream),
					ContentShape:    pipeline.ContentShape(p.Hints.ContentShape),
					MaxTokensCap:    p.Hints.MaxTokensCap,
				},
			})
		}
		table.Categories[category] = entries
		table.CategoryConfigs[category] = pipeline.CategoryConfig{
			Strategy:         pipeline.Strategy(cat.Strategy),
			StickySessionTTL: cat.StickySessionTTL,
		}
	}

	return table, nil
}

// BuildCredentials resolves every entry under RoutingFile.Credentials into a
// live credentials.Registry. v is the Viper instance env sources read
// through; cmd/gateway passes a dedicated instance, not the one Load uses.
func BuildCredentials(rf *RoutingFile, v *viper.Viper) (*credentials.Registry, error) {
	reg := credentials.NewRegistry()
	for ref, c := range rf.Credentials {
		switch c.Type {
		case "env":
			if c.EnvVar == "" {
				return nil, fmt.Errorf("config: credential %q of type env missing env_var", ref)
			}
			reg.Register(ref, credentials.NewEnvSource(v, c.EnvVar))
		case "static":
			reg.Register(ref, credentials.NewStaticSource(c.Value))
		default:
			return nil, fmt.Errorf("config: credential %q has unknown type %q", ref, c.Type)
		}
	}
	return reg, nil
}
