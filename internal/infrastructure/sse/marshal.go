package sse

import "encoding/json"

// marshalInput renders a tool-call input map back to JSON text for the
// burst-mode input_json_delta event. Empty/nil input renders as "{}" so the
// caller always sees well-formed JSON for a tool_use block.
func marshalInput(input map[string]interface{}) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}
