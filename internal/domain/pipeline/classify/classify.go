// Package classify implements the Category Classifier: a pure,
// side-effect-free function from a canonical request to a routing category.
package classify

import (
	"strings"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// charsPerToken is the approximate character-per-token ratio used for the
// long-context threshold check. Exact token counting would require a
// tokenizer dependency per model family for a soft, configurable threshold —
// not worth the precision.
const charsPerToken = 4

// estimateTokens approximates the token count of a canonical request by
// summing text length across system, messages, and tool descriptions.
// Rounding up is the safe direction: it trips the longcontext category
// slightly earlier than an exact tokenizer would, never later.
func estimateTokens(req *pipeline.Request) int {
	var chars int
	if req.System != nil {
		chars += len(req.System.Text)
		for _, b := range req.System.Blocks {
			chars += len(b.Text)
		}
	}
	for _, m := range req.Messages {
		chars += len(m.Text)
		for _, b := range m.Blocks {
			chars += len(b.Text)
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Description)
	}
	if chars == 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// hasSearchTool reports whether any requested tool name matches a
// configured search-tool name.
func hasSearchTool(req *pipeline.Request, searchNames []string) bool {
	if len(req.Tools) == 0 {
		return false
	}
	for _, tool := range req.Tools {
		for _, name := range searchNames {
			if tool.Name == name {
				return true
			}
		}
	}
	return false
}

// wantsThinking reports whether the request carries a reasoning/thinking
// hint in canonical form: a truthy "thinking" key in Metadata.
func wantsThinking(req *pipeline.Request) bool {
	if req.Metadata == nil {
		return false
	}
	v, ok := req.Metadata["thinking"]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	default:
		return v != nil
	}
}

// isBackgroundModel reports whether the caller's model hint matches a
// configured background pattern (substring match, case-insensitive).
func isBackgroundModel(modelHint string, patterns []string) bool {
	if modelHint == "" {
		return false
	}
	lower := strings.ToLower(modelHint)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Classify applies an ordered rule set. First match wins: longcontext, then
// search, then thinking, then background, else default. Deterministic and
// side-effect-free.
func Classify(req *pipeline.Request, cfg pipeline.ClassifierConfig) pipeline.Category {
	if cfg.LongContextTokenThreshold > 0 && estimateTokens(req) > cfg.LongContextTokenThreshold {
		return pipeline.CategoryLongContext
	}
	if hasSearchTool(req, cfg.SearchToolNames) {
		return pipeline.CategorySearch
	}
	if wantsThinking(req) {
		return pipeline.CategoryThinking
	}
	if isBackgroundModel(req.ModelHint, cfg.BackgroundModelPatterns) {
		return pipeline.CategoryBackground
	}
	return pipeline.CategoryDefault
}
