package pipeline

// ValidateRequest checks canonical request invariants before it enters the
// transform chain. A violation is always a client fault, never a backend
// failure: empty messages, a tool_choice naming an undeclared tool, or a
// tool_result whose ToolUseID doesn't link back to a preceding tool_use.
func ValidateRequest(req *Request) error {
	if req == nil {
		return NewClientFault("request is nil")
	}
	if len(req.Messages) == 0 {
		return NewClientFault("messages must not be empty")
	}

	declared := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		if t.Name == "" {
			return NewClientFault("tool declaration missing a name")
		}
		declared[t.Name] = true
	}

	if req.ToolChoice != nil && req.ToolChoice.Mode == ToolChoiceNamed {
		if req.ToolChoice.Name == "" {
			return NewClientFault("tool_choice mode named requires a name")
		}
		if !declared[req.ToolChoice.Name] {
			return NewClientFault("tool_choice names undeclared tool %q", req.ToolChoice.Name)
		}
	}

	pendingToolUse := make(map[string]bool)
	for _, m := range req.Messages {
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockToolUse:
				if b.ID == "" {
					return NewClientFault("tool_use block missing id")
				}
				pendingToolUse[b.ID] = true
				if spec, ok := findTool(req.Tools, b.Name); ok {
					if err := ValidateToolInput(spec, b.Input); err != nil {
						return err
					}
				}
			case BlockToolResult:
				if b.ToolUseID == "" {
					return NewClientFault("tool_result block missing tool_use_id")
				}
				if !pendingToolUse[b.ToolUseID] {
					return NewClientFault("tool_result references unknown tool_use_id %q", b.ToolUseID)
				}
			}
		}
	}

	return nil
}

// ValidateResponse checks canonical response invariants on the way out of
// the chain. A malformed upstream response counts as a backend failure, not
// a client fault, since the caller did nothing wrong. tools is used to
// schema-check every tool_use block whose name matches a declared tool,
// whether it was streamed or recovered by the buffered extraction path;
// pass nil to skip schema checks.
func ValidateResponse(resp *Response, tools []ToolSpec) error {
	if resp == nil {
		return NewBackendTransient(nil, "upstream returned an empty response")
	}
	if resp.StopReason == "" {
		return NewBackendTransient(nil, "upstream response missing stop_reason")
	}
	seenToolUseIDs := make(map[string]bool)
	for _, b := range resp.Content {
		if b.Type != BlockToolUse {
			continue
		}
		if b.ID == "" {
			return NewBackendTransient(nil, "upstream tool_use block missing id")
		}
		if seenToolUseIDs[b.ID] {
			return NewBackendTransient(nil, "upstream response duplicates tool_use id %q", b.ID)
		}
		seenToolUseIDs[b.ID] = true

		if spec, ok := findTool(tools, b.Name); ok {
			if err := ValidateToolInput(spec, b.Input); err != nil {
				return NewBackendTransient(err, "upstream tool_use %q failed schema validation", b.Name)
			}
		}
	}
	return nil
}
