package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Codec implements pipeline.Codec for the native Anthropic /v1/messages
// wire format.
type Codec struct{}

// New builds an anthropic Codec. Stateless; safe to share across requests.
func New() *Codec { return &Codec{} }

var _ pipeline.Codec = (*Codec)(nil)

const defaultMaxTokens = 4096

// Encode renders the canonical request into Anthropic's wire body.
func (c *Codec) Encode(ctx context.Context, req *pipeline.Request, entry pipeline.PipelineEntry) (string, []byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if entry.Hints.MaxTokensCap > 0 && maxTokens > entry.Hints.MaxTokensCap {
		maxTokens = entry.Hints.MaxTokensCap
	}

	wr := wireRequest{
		Model:         entry.UpstreamModel,
		MaxTokens:     maxTokens,
		Messages:      make([]wireMessage, 0, len(req.Messages)),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
	if req.System != nil {
		wr.System = req.System.Text
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, encodeMessage(m))
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: ensureObjectSchema(t.InputSchema)})
	}
	if len(req.Tools) > 0 {
		wr.ToolChoice = encodeToolChoice(req.ToolChoice)
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return "", nil, pipeline.NewTransformFault(err, "anthropic: encode request")
	}
	return "/v1/messages", body, nil
}

func encodeToolChoice(tc *pipeline.ToolChoice) *wireToolChoice {
	if tc == nil {
		return &wireToolChoice{Type: "auto"}
	}
	switch tc.Mode {
	case pipeline.ToolChoiceNone:
		return &wireToolChoice{Type: "none"}
	case pipeline.ToolChoiceRequired:
		return &wireToolChoice{Type: "any"}
	case pipeline.ToolChoiceNamed:
		return &wireToolChoice{Type: "tool", Name: tc.Name}
	default:
		return &wireToolChoice{Type: "auto"}
	}
}

func ensureObjectSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	out := make(map[string]interface{}, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

func encodeMessage(m pipeline.Message) wireMessage {
	wm := wireMessage{Role: string(m.Role)}
	if m.HasBlocks() {
		for _, b := range m.Blocks {
			wm.Content = append(wm.Content, encodeBlock(b))
		}
		return wm
	}
	if m.Text != "" {
		wm.Content = []wireContentBlock{{Type: "text", Text: m.Text}}
	}
	return wm
}

func encodeBlock(b pipeline.ContentBlock) wireContentBlock {
	switch b.Type {
	case pipeline.BlockToolUse:
		return wireContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input}
	case pipeline.BlockToolResult:
		wb := wireContentBlock{Type: "tool_result", ToolUseID: b.ToolUseID}
		if len(b.Content) > 0 {
			for _, inner := range b.Content {
				wb.Content = append(wb.Content, encodeBlock(inner))
			}
		} else if b.Text != "" {
			wb.Content = []wireContentBlock{{Type: "text", Text: b.Text}}
		}
		return wb
	case pipeline.BlockImage:
		return wireContentBlock{Type: "image", Source: &wireImageSource{Type: "base64", MediaType: b.MimeType, Data: b.Data}}
	default:
		return wireContentBlock{Type: "text", Text: b.Text}
	}
}

// DecodeResponse parses a non-streaming Anthropic response.
func (c *Codec) DecodeResponse(ctx context.Context, body []byte) (*pipeline.Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, pipeline.NewBackendTransient(err, "anthropic: decode response")
	}
	return decodeResponse(&wr), nil
}

func decodeResponse(wr *wireResponse) *pipeline.Response {
	resp := &pipeline.Response{
		ID:         wr.ID,
		Role:       pipeline.RoleAssistant,
		StopReason: mapStopReason(wr.StopReason),
		Usage:      pipeline.Usage{InputTokens: wr.Usage.InputTokens, OutputTokens: wr.Usage.OutputTokens},
		Model:      wr.Model,
	}
	for _, b := range wr.Content {
		resp.Content = append(resp.Content, decodeBlock(b))
	}
	return resp
}

func decodeBlock(b wireContentBlock) pipeline.ContentBlock {
	switch b.Type {
	case "tool_use":
		return pipeline.ContentBlock{Type: pipeline.BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input}
	case "tool_result":
		cb := pipeline.ContentBlock{Type: pipeline.BlockToolResult, ToolUseID: b.ToolUseID}
		for _, inner := range b.Content {
			cb.Content = append(cb.Content, decodeBlock(inner))
		}
		return cb
	default:
		return pipeline.ContentBlock{Type: pipeline.BlockText, Text: b.Text}
	}
}

func mapStopReason(reason string) pipeline.StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		if reason == "stop_sequence" {
			return pipeline.StopSequenceHit
		}
		return pipeline.StopEndTurn
	case "max_tokens":
		return pipeline.StopMaxTokens
	case "tool_use":
		return pipeline.StopToolUse
	default:
		return pipeline.StopEndTurn
	}
}

// DecodeStream parses Anthropic's native event-based SSE, emitting
// canonical StreamEvents as they are produced and returning the final
// accumulated Response.
func (c *Codec) DecodeStream(ctx context.Context, raw pipeline.StreamSource, events chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	resp := &pipeline.Response{Role: pipeline.RoleAssistant}
	toolArgs := make(map[int]*strings.Builder)
	toolMeta := make(map[int]wireContentBlock)
	blockTypes := make(map[int]pipeline.BlockType)
	var currentEvent string

	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		default:
		}

		line, err := raw.ReadLine()
		if err != nil {
			if isEOF(err) {
				break
			}
			return resp, pipeline.NewBackendTransient(err, "anthropic: stream read")
		}

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var evt wireStreamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			currentEvent = ""
			continue
		}

		switch currentEvent {
		case "message_start":
			if evt.Message != nil {
				resp.ID = evt.Message.ID
				resp.Model = evt.Message.Model
				resp.Usage.InputTokens = evt.Message.Usage.InputTokens
				events <- pipeline.StreamEvent{Type: pipeline.EventMessageStart, Message: decodeResponse(evt.Message)}
			}

		case "content_block_start":
			if evt.ContentBlock == nil {
				break
			}
			bt := blockTypeOf(evt.ContentBlock.Type)
			blockTypes[evt.Index] = bt
			out := pipeline.StreamEvent{Type: pipeline.EventContentBlockStart, Index: evt.Index, BlockType: bt}
			if bt == pipeline.BlockToolUse {
				toolArgs[evt.Index] = &strings.Builder{}
				toolMeta[evt.Index] = *evt.ContentBlock
				out.ToolUseID = evt.ContentBlock.ID
				out.ToolName = evt.ContentBlock.Name
			}
			events <- out

		case "content_block_delta":
			if evt.Delta == nil {
				break
			}
			switch evt.Delta.Type {
			case "text_delta":
				appendTextContent(resp, evt.Index, evt.Delta.Text)
				if evt.Delta.Text != "" {
					events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: evt.Index, Delta: &pipeline.Delta{Kind: pipeline.DeltaText, Text: evt.Delta.Text}}
				}
			case "input_json_delta":
				if b, ok := toolArgs[evt.Index]; ok {
					b.WriteString(evt.Delta.PartialJSON)
				}
				if evt.Delta.PartialJSON != "" {
					events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: evt.Index, Delta: &pipeline.Delta{Kind: pipeline.DeltaInputJSON, PartialJSON: evt.Delta.PartialJSON}}
				}
			}

		case "content_block_stop":
			finalizeBlock(resp, evt.Index, blockTypes, toolMeta, toolArgs)
			events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: evt.Index}

		case "message_delta":
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				resp.StopReason = mapStopReason(evt.Delta.StopReason)
			}
			if evt.Usage != nil {
				resp.Usage.OutputTokens = evt.Usage.OutputTokens
			}
			events <- pipeline.StreamEvent{
				Type:       pipeline.EventMessageDelta,
				StopReason: resp.StopReason,
				UsageDelta: &pipeline.UsageDelta{OutputTokens: resp.Usage.OutputTokens},
			}

		case "message_stop":
			events <- pipeline.StreamEvent{Type: pipeline.EventMessageStop}

		case "ping":
			// heartbeat, ignore
		}

		currentEvent = ""
	}

	return resp, nil
}

func blockTypeOf(wireType string) pipeline.BlockType {
	switch wireType {
	case "tool_use":
		return pipeline.BlockToolUse
	default:
		return pipeline.BlockText
	}
}

func appendTextContent(resp *pipeline.Response, index int, text string) {
	for i := range resp.Content {
		if resp.Content[i].Type == pipeline.BlockText && i == index {
			resp.Content[i].Text += text
			return
		}
	}
	for len(resp.Content) <= index {
		resp.Content = append(resp.Content, pipeline.ContentBlock{Type: pipeline.BlockText})
	}
	resp.Content[index].Type = pipeline.BlockText
	resp.Content[index].Text += text
}

// finalizeBlock closes a tool_use block: parses the accumulated JSON
// fragments, falling back to RawArguments on failure so the caller can
// still recover the call.
func finalizeBlock(resp *pipeline.Response, index int, blockTypes map[int]pipeline.BlockType, toolMeta map[int]wireContentBlock, toolArgs map[int]*strings.Builder) {
	if blockTypes[index] != pipeline.BlockToolUse {
		return
	}
	meta := toolMeta[index]
	raw := ""
	if b, ok := toolArgs[index]; ok {
		raw = b.String()
	}
	cb := pipeline.ContentBlock{Type: pipeline.BlockToolUse, ID: meta.ID, Name: meta.Name}
	if raw != "" {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &input); err == nil {
			cb.Input = input
		} else {
			cb.RawArguments = raw
		}
	}
	for len(resp.Content) <= index {
		resp.Content = append(resp.Content, pipeline.ContentBlock{})
	}
	resp.Content[index] = cb
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

const anthropicVersion = "2023-06-01"

// Headers attaches Anthropic's native auth scheme: an x-api-key header plus
// the fixed anthropic-version header.
func (c *Codec) Headers(ctx context.Context, cred pipeline.CredentialSource) (map[string]string, error) {
	token, err := cred.Token(ctx)
	if err != nil {
		return nil, pipeline.NewBackendPermanent(err, "anthropic: credential resolution failed")
	}
	headers := map[string]string{
		"anthropic-version": anthropicVersion,
		"content-type":      "application/json",
	}
	if token != "" {
		headers["x-api-key"] = token
	}
	return headers, nil
}
