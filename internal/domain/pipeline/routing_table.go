package pipeline

import "time"

// ProviderType names one of the supported upstream wire formats.
type ProviderType string

const (
	ProviderAnthropic     ProviderType = "anthropic"
	ProviderOpenAICompat  ProviderType = "openai_compatible"
	ProviderGemini        ProviderType = "gemini"
	ProviderCodeWhisperer ProviderType = "codewhisperer"
)

// ForceStream is a tri-state override for whether a backend's actual
// upstream call should be forced to stream regardless of the caller's
// Request.Stream value.
type ForceStream string

const (
	ForceStreamPassthrough ForceStream = "passthrough"
	ForceStreamOn          ForceStream = "on"
	ForceStreamOff         ForceStream = "off"
)

// ContentShape forces the wire shape of message content for upstreams that
// don't accept both string and array-of-parts content.
type ContentShape string

const (
	ContentShapeAuto   ContentShape = ""
	ContentShapeString ContentShape = "string"
	ContentShapeArray  ContentShape = "array"
)

// CompatibilityHints are resolved once at table-build time rather than looked up
// per request by string keys.
type CompatibilityHints struct {
	BufferToolCalls bool
	ForceStream     ForceStream
	ContentShape    ContentShape
	MaxTokensCap    int // 0 = no cap
}

// EffectiveStream resolves whether the upstream call should actually stream,
// honoring a ForceStream override before falling back to the caller's wish.
func (h CompatibilityHints) EffectiveStream(requested bool) bool {
	switch h.ForceStream {
	case ForceStreamOn:
		return true
	case ForceStreamOff:
		return false
	default:
		return requested
	}
}

// PipelineEntry is one routable backend instance.
type PipelineEntry struct {
	PipelineID    string
	ProviderID    string
	ProviderType  ProviderType
	EndpointURL   string
	UpstreamModel string
	CredentialRef string
	Weight        int
	MaxConcurrent int
	Timeout       time.Duration
	MaxRetries    int
	Hints         CompatibilityHints
}

// Strategy names a load-balancing policy.
type Strategy string

const (
	StrategyRoundRobin        Strategy = "round_robin"
	StrategyWeighted          Strategy = "weighted"
	StrategyLeastConnections  Strategy = "least_connections"
	StrategyLeastResponseTime Strategy = "least_response_time"
	StrategyAdaptive          Strategy = "adaptive"
)

// CategoryConfig holds per-category balancing behavior.
type CategoryConfig struct {
	Strategy         Strategy
	StickySessionTTL time.Duration
}

// Category is a virtual routing tag derived from a request.
type Category string

const (
	CategoryDefault     Category = "default"
	CategoryBackground  Category = "background"
	CategoryThinking    Category = "thinking"
	CategoryLongContext Category = "longcontext"
	CategorySearch      Category = "search"
)

// RoutingTable is the immutable snapshot consulted per request.
//
// Swapping tables is an atomic pointer replacement (see registry.TableHolder);
// in-flight requests keep the snapshot they read at the start of the
// request and are unaffected by a concurrent rebuild.
type RoutingTable struct {
	Categories      map[Category][]PipelineEntry
	CategoryConfigs map[Category]CategoryConfig
	DefaultCategory Category

	// ClassifierConfig holds deployment-tunable classification thresholds.
	ClassifierConfig ClassifierConfig
}

// ClassifierConfig configures the Category Classifier.
type ClassifierConfig struct {
	// LongContextTokenThreshold is the token-estimate cutoff above which a
	// request is classified longcontext. Default 60000 (see classify package).
	LongContextTokenThreshold int

	// SearchToolNames names tools whose presence triggers the search category.
	SearchToolNames []string

	// BackgroundModelPatterns are substrings matched against ModelHint to
	// trigger the background category (e.g. "haiku", "mini", "flash-lite").
	BackgroundModelPatterns []string
}

// DefaultClassifierConfig returns the documented default thresholds.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		LongContextTokenThreshold: 60000,
		SearchToolNames:           []string{"web_search", "search"},
		BackgroundModelPatterns:   []string{"haiku", "mini", "flash-lite", "background"},
	}
}

// Candidates returns the ordered pipeline list for a category, falling back
// to DefaultCategory when the category is unknown.
func (t *RoutingTable) Candidates(cat Category) []PipelineEntry {
	if entries, ok := t.Categories[cat]; ok {
		return entries
	}
	return t.Categories[t.DefaultCategory]
}

// Config returns the balancing config for a category, falling back to the
// default category's config.
func (t *RoutingTable) Config(cat Category) CategoryConfig {
	if cfg, ok := t.CategoryConfigs[cat]; ok {
		return cfg
	}
	return t.CategoryConfigs[t.DefaultCategory]
}
