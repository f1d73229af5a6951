package sse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// toolCallPattern is one recognized free-form tool-call syntax. Each must
// capture exactly two groups: tool name, then raw argument text.
var toolCallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Tool call:\s*(\w+)\((.*?)\)`),
	regexp.MustCompile(`function_call:\s*(\w+)\((.*?)\)`),
	regexp.MustCompile(`\[TOOL_CALL\]\s*(\w+)\((.*?)\)`),
}

// ExtractedCall is one recovered tool call from the buffered path.
type ExtractedCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{} // nil if RawArguments failed to parse
	RawArguments string
}

// ExtractToolCalls scans text for any of the recognized free-form tool-call
// syntaxes, returning the matches (duplicates by
// name+args coalesced, in first-seen order) and the text with every matched
// span removed.
func ExtractToolCalls(text string) ([]ExtractedCall, string) {
	type match struct {
		start, end int
		name, args string
	}

	var matches []match
	for _, pattern := range toolCallPatterns {
		for _, m := range pattern.FindAllStringSubmatchIndex(text, -1) {
			matches = append(matches, match{
				start: m[0], end: m[1],
				name: text[m[2]:m[3]], args: text[m[4]:m[5]],
			})
		}
	}

	if len(matches) == 0 {
		return nil, text
	}

	// Sort by start offset so span-stripping and sequence numbering follow
	// the text's reading order regardless of which pattern matched.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].start < matches[j-1].start; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}

	seen := make(map[string]bool)
	var calls []ExtractedCall
	var b strings.Builder
	cursor := 0
	seq := 0

	for _, m := range matches {
		key := m.name + "|" + m.args
		if seen[key] {
			// Still strip the duplicate span from the text, just don't
			// emit a second tool_use block for it.
			b.WriteString(text[cursor:m.start])
			cursor = m.end
			continue
		}
		seen[key] = true

		b.WriteString(text[cursor:m.start])
		cursor = m.end

		call := ExtractedCall{
			ID:           fmt.Sprintf("extracted_%d", seq),
			Name:         m.name,
			RawArguments: m.args,
		}
		seq++

		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(m.args), &parsed); err == nil {
			call.Arguments = parsed
		}
		calls = append(calls, call)
	}
	b.WriteString(text[cursor:])

	return calls, b.String()
}
