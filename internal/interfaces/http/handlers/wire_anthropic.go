package handlers

import (
	"encoding/json"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Inbound/outbound JSON shapes for the Anthropic-schema /v1/messages
// endpoint. Distinct from internal/infrastructure/codec/anthropic's wire
// types: those serialize canonical requests toward an Anthropic-speaking
// upstream; these parse canonical requests out of what a client sent us
// and serialize canonical responses back to it. Same wire dialect, opposite
// direction, so the shapes look alike but are not good candidates to share —
// the codec package's types are deliberately unexported internals of the
// outbound transform stage.

type anthropicRequest struct {
	Model         string              `json:"model" binding:"required"`
	MaxTokens     int                 `json:"max_tokens" binding:"required"`
	System        json.RawMessage     `json:"system,omitempty"`
	Messages      []anthropicMessage  `json:"messages" binding:"required"`
	Tools         []anthropicTool     `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   json.RawMessage  `json:"content,omitempty"`

	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAnthropicError(fault pipeline.Fault, message string) anthropicErrorBody {
	body := anthropicErrorBody{Type: "error"}
	body.Error.Message = message
	switch fault {
	case pipeline.FaultClient:
		body.Error.Type = "invalid_request_error"
	case pipeline.FaultCapacityExhausted:
		body.Error.Type = "overloaded_error"
	default:
		body.Error.Type = "api_error"
	}
	return body
}

// toCanonicalRequest converts an inbound Anthropic-schema request into the
// canonical pipeline.Request the orchestrator consumes.
func toCanonicalRequest(in *anthropicRequest) (*pipeline.Request, error) {
	req := &pipeline.Request{
		ModelHint:     in.Model,
		MaxTokens:     in.MaxTokens,
		Temperature:   in.Temperature,
		TopP:          in.TopP,
		StopSequences: in.StopSequences,
		Stream:        in.Stream,
		Metadata:      in.Metadata,
	}

	if len(in.System) > 0 {
		sysText, sysBlocks, err := decodeContent(in.System)
		if err != nil {
			return nil, pipeline.NewClientFault("invalid system field: %v", err)
		}
		req.System = &pipeline.Message{Role: pipeline.RoleSystem, Text: sysText, Blocks: sysBlocks}
	}

	for _, m := range in.Messages {
		text, blocks, err := decodeContent(m.Content)
		if err != nil {
			return nil, pipeline.NewClientFault("invalid content for message with role %q: %v", m.Role, err)
		}
		req.Messages = append(req.Messages, pipeline.Message{Role: pipeline.Role(m.Role), Text: text, Blocks: blocks})
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, pipeline.ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	if in.ToolChoice != nil {
		req.ToolChoice = &pipeline.ToolChoice{Mode: anthropicToolChoiceMode(in.ToolChoice.Type), Name: in.ToolChoice.Name}
	}

	if sid, ok := in.Metadata["session_id"].(string); ok {
		req.SessionID = sid
	}

	return req, nil
}

func anthropicToolChoiceMode(t string) pipeline.ToolChoiceMode {
	switch t {
	case "any":
		return pipeline.ToolChoiceRequired
	case "tool":
		return pipeline.ToolChoiceNamed
	case "none":
		return pipeline.ToolChoiceNone
	default:
		return pipeline.ToolChoiceAuto
	}
}

// decodeContent parses an Anthropic content field that is either a plain
// string or an array of content blocks.
func decodeContent(raw json.RawMessage) (string, []pipeline.ContentBlock, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil, nil
	}

	var wire []anthropicBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return "", nil, err
	}
	blocks := make([]pipeline.ContentBlock, 0, len(wire))
	for _, b := range wire {
		block, err := decodeBlock(b)
		if err != nil {
			return "", nil, err
		}
		blocks = append(blocks, block)
	}
	return "", blocks, nil
}

func decodeBlock(b anthropicBlock) (pipeline.ContentBlock, error) {
	switch b.Type {
	case "text":
		return pipeline.ContentBlock{Type: pipeline.BlockText, Text: b.Text}, nil
	case "tool_use":
		return pipeline.ContentBlock{Type: pipeline.BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input}, nil
	case "tool_result":
		text, blocks, err := decodeContent(b.Content)
		if err != nil {
			return pipeline.ContentBlock{}, err
		}
		cb := pipeline.ContentBlock{Type: pipeline.BlockToolResult, ToolUseID: b.ToolUseID}
		if len(blocks) > 0 {
			cb.Content = blocks
		} else if text != "" {
			cb.Content = []pipeline.ContentBlock{{Type: pipeline.BlockText, Text: text}}
		}
		return cb, nil
	case "image":
		if b.Source == nil {
			return pipeline.ContentBlock{}, nil
		}
		return pipeline.ContentBlock{Type: pipeline.BlockImage, MimeType: b.Source.MediaType, Data: b.Source.Data}, nil
	default:
		return pipeline.ContentBlock{}, nil
	}
}

// fromCanonicalResponse converts a canonical pipeline.Response into the
// outbound Anthropic-schema wire body.
func fromCanonicalResponse(resp *pipeline.Response, messageID string) anthropicResponse {
	out := anthropicResponse{
		ID:         messageID,
		Type:       "message",
		Role:       string(pipeline.RoleAssistant),
		Model:      resp.Model,
		StopReason: string(resp.StopReason),
		Usage:      anthropicUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, b := range resp.Content {
		out.Content = append(out.Content, encodeBlock(b))
	}
	return out
}

func encodeBlock(b pipeline.ContentBlock) anthropicBlock {
	wire := anthropicBlock{Type: string(b.Type)}
	switch b.Type {
	case pipeline.BlockText:
		wire.Text = b.Text
	case pipeline.BlockToolUse:
		wire.ID = b.ID
		wire.Name = b.Name
		wire.Input = b.Input
	case pipeline.BlockToolResult:
		wire.ToolUseID = b.ToolUseID
	case pipeline.BlockImage:
		wire.Source = &anthropicImageSource{Type: "base64", MediaType: b.MimeType, Data: b.Data}
	}
	return wire
}

// anthropicSSEEvent renders one canonical StreamEvent as an Anthropic SSE
// frame: an "event: <name>" line followed by a "data: <json>" line, matching
// the wire format the native Anthropic API emits.
func anthropicSSEEvent(evt pipeline.StreamEvent, messageID string) (string, []byte, error) {
	switch evt.Type {
	case pipeline.EventMessageStart:
		msg := fromCanonicalResponse(evt.Message, messageID)
		data, err := json.Marshal(map[string]any{"type": "message_start", "message": msg})
		return "message_start", data, err
	case pipeline.EventContentBlockStart:
		block := map[string]any{"type": blockTypeName(evt.BlockType)}
		if evt.BlockType == pipeline.BlockToolUse {
			block["id"] = evt.ToolUseID
			block["name"] = evt.ToolName
			block["input"] = map[string]any{}
		}
		data, err := json.Marshal(map[string]any{"type": "content_block_start", "index": evt.Index, "content_block": block})
		return "content_block_start", data, err
	case pipeline.EventContentBlockDelta:
		delta := map[string]any{}
		if evt.Delta != nil {
			switch evt.Delta.Kind {
			case pipeline.DeltaText:
				delta["type"] = "text_delta"
				delta["text"] = evt.Delta.Text
			case pipeline.DeltaInputJSON:
				delta["type"] = "input_json_delta"
				delta["partial_json"] = evt.Delta.PartialJSON
			}
		}
		data, err := json.Marshal(map[string]any{"type": "content_block_delta", "index": evt.Index, "delta": delta})
		return "content_block_delta", data, err
	case pipeline.EventContentBlockStop:
		data, err := json.Marshal(map[string]any{"type": "content_block_stop", "index": evt.Index})
		return "content_block_stop", data, err
	case pipeline.EventMessageDelta:
		delta := map[string]any{"stop_reason": evt.StopReason}
		usage := map[string]any{}
		if evt.UsageDelta != nil {
			usage["output_tokens"] = evt.UsageDelta.OutputTokens
		}
		data, err := json.Marshal(map[string]any{"type": "message_delta", "delta": delta, "usage": usage})
		return "message_delta", data, err
	case pipeline.EventMessageStop:
		data, err := json.Marshal(map[string]any{"type": "message_stop"})
		return "message_stop", data, err
	default:
		data, err := json.Marshal(map[string]any{"type": string(evt.Type)})
		return string(evt.Type), data, err
	}
}

func blockTypeName(t pipeline.BlockType) string {
	if t == "" {
		return string(pipeline.BlockText)
	}
	return string(t)
}
