package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Codec implements pipeline.Codec for OpenAI-compatible /v1/chat/completions
// upstreams.
type Codec struct{}

func New() *Codec { return &Codec{} }

var _ pipeline.Codec = (*Codec)(nil)

func (c *Codec) Encode(ctx context.Context, req *pipeline.Request, entry pipeline.PipelineEntry) (string, []byte, error) {
	wr := wireRequest{
		Model:       entry.UpstreamModel,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	maxTokens := req.MaxTokens
	if entry.Hints.MaxTokensCap > 0 && (maxTokens <= 0 || maxTokens > entry.Hints.MaxTokensCap) {
		maxTokens = entry.Hints.MaxTokensCap
	}
	wr.MaxTokens = maxTokens

	if req.System != nil {
		wr.Messages = append(wr.Messages, wireMessage{Role: "system", Content: req.System.Text})
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, encodeMessage(m, entry.Hints.ContentShape))
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{Type: "function", Function: wireToolFunction{
			Name: t.Name, Description: t.Description, Parameters: ensureObjectSchema(t.InputSchema),
		}})
	}
	if len(req.Tools) > 0 {
		wr.ToolChoice = encodeToolChoice(req.ToolChoice)
	}

	var body []byte
	var err error
	if entry.Hints.ForceStream == pipeline.ForceStreamOn || (req.Stream && entry.Hints.ForceStream != pipeline.ForceStreamOff) {
		wr.Stream = true
		sr := wireStreamRequest{wireRequest: wr, StreamOptions: map[string]interface{}{"include_usage": true}}
		body, err = json.Marshal(sr)
	} else {
		if entry.Hints.ForceStream == pipeline.ForceStreamOff {
			wr.Stream = false
		}
		body, err = json.Marshal(wr)
	}
	if err != nil {
		return "", nil, pipeline.NewTransformFault(err, "openai: encode request")
	}
	return "/chat/completions", body, nil
}

func encodeToolChoice(tc *pipeline.ToolChoice) interface{} {
	if tc == nil {
		return "auto"
	}
	switch tc.Mode {
	case pipeline.ToolChoiceNone:
		return "none"
	case pipeline.ToolChoiceRequired:
		return "required"
	case pipeline.ToolChoiceNamed:
		return map[string]interface{}{"type": "function", "function": map[string]string{"name": tc.Name}}
	default:
		return "auto"
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

// encodeMessage coerces canonical content into a string or an array of
// parts depending on the upstream's compatibility hint.
func encodeMessage(m pipeline.Message, shape pipeline.ContentShape) wireMessage {
	wm := wireMessage{Role: string(m.Role)}

	if m.Role == pipeline.RoleTool {
		for _, b := range m.Blocks {
			if b.Type == pipeline.BlockToolResult {
				wm.ToolCallID = b.ToolUseID
				wm.Content = b.Text
				return wm
			}
		}
	}

	if m.HasBlocks() {
		var toolCalls []wireToolCall
		for _, b := range m.Blocks {
			if b.Type == pipeline.BlockToolUse {
				toolCalls = append(toolCalls, wireToolCall{
					ID: b.ID, Type: "function",
					Function: wireToolCallFunction{Name: b.Name, Arguments: marshalArgs(b.Input)},
				})
			}
		}
		if len(toolCalls) > 0 {
			wm.ToolCalls = toolCalls
			wm.Content = textOf(m.Blocks)
			return wm
		}
		if shape == pipeline.ContentShapeArray {
			wm.Content = partsOf(m.Blocks)
		} else {
			wm.Content = textOf(m.Blocks)
		}
		return wm
	}

	if shape == pipeline.ContentShapeArray && m.Text != "" {
		wm.Content = []wireContentPart{{Type: "text", Text: m.Text}}
	} else {
		wm.Content = m.Text
	}
	return wm
}

func textOf(blocks []pipeline.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == pipeline.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func partsOf(blocks []pipeline.ContentBlock) []wireContentPart {
	var parts []wireContentPart
	for _, blk := range blocks {
		switch blk.Type {
		case pipeline.BlockText:
			parts = append(parts, wireContentPart{Type: "text", Text: blk.Text})
		case pipeline.BlockImage:
			parts = append(parts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: blk.Data}})
		}
	}
	return parts
}

func marshalArgs(input map[string]interface{}) string {
	if input == nil {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (c *Codec) DecodeResponse(ctx context.Context, body []byte) (*pipeline.Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, pipeline.NewBackendTransient(err, "openai: decode response")
	}
	if len(wr.Choices) == 0 {
		return nil, pipeline.NewBackendTransient(nil, "openai: response has no choices")
	}
	choice := wr.Choices[0]

	resp := &pipeline.Response{
		ID:         wr.ID,
		Role:       pipeline.RoleAssistant,
		Model:      wr.Model,
		StopReason: mapFinishReason(choice.FinishReason),
		Usage:      pipeline.Usage{InputTokens: wr.Usage.PromptTokens, OutputTokens: wr.Usage.CompletionTokens},
	}
	if choice.Message.Content != nil {
		if s, ok := choice.Message.Content.(string); ok && s != "" {
			resp.Content = append(resp.Content, pipeline.ContentBlock{Type: pipeline.BlockText, Text: s})
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if tc.Function.Arguments != "" {
			json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		resp.Content = append(resp.Content, pipeline.ContentBlock{
			Type: pipeline.BlockToolUse, ID: tc.ID, Name: tc.Function.Name, Input: input,
		})
	}
	return resp, nil
}

func mapFinishReason(reason string) pipeline.StopReason {
	switch reason {
	case "stop":
		return pipeline.StopEndTurn
	case "length":
		return pipeline.StopMaxTokens
	case "tool_calls":
		return pipeline.StopToolUse
	case "content_filter":
		return pipeline.StopSequenceHit
	default:
		return pipeline.StopEndTurn
	}
}

// toolArgAccumulator tracks one streamed tool call's argument fragments.
type toolArgAccumulator struct {
	id, name string
	args     strings.Builder
}

// DecodeStream parses an OpenAI chat.completion.chunk SSE stream.
func (c *Codec) DecodeStream(ctx context.Context, raw pipeline.StreamSource, events chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	resp := &pipeline.Response{Role: pipeline.RoleAssistant}
	toolCalls := make(map[int]*toolArgAccumulator)
	textOpen := false
	toolOrder := []int{}

	emitTextStart := func() {
		if !textOpen {
			events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStart, Index: 0, BlockType: pipeline.BlockText}
			textOpen = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		default:
		}

		line, err := raw.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return resp, pipeline.NewBackendTransient(err, "openai: stream read")
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		resp.ID = chunk.ID
		resp.Model = chunk.Model
		if chunk.Usage != nil {
			resp.Usage.InputTokens = chunk.Usage.PromptTokens
			resp.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			emitTextStart()
			appendText(resp, choice.Delta.Content)
			events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: 0, Delta: &pipeline.Delta{Kind: pipeline.DeltaText, Text: choice.Delta.Content}}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index + 1 // reserve index 0 for the text block
			acc, ok := toolCalls[idx]
			if !ok {
				acc = &toolArgAccumulator{id: tc.ID, name: tc.Function.Name}
				toolCalls[idx] = acc
				toolOrder = append(toolOrder, idx)
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStart, Index: idx, BlockType: pipeline.BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name}
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: idx, Delta: &pipeline.Delta{Kind: pipeline.DeltaInputJSON, PartialJSON: tc.Function.Arguments}}
			}
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			if textOpen {
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: 0}
			}
			for _, idx := range toolOrder {
				finalizeToolCall(resp, idx, toolCalls[idx])
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: idx}
			}
			resp.StopReason = mapFinishReason(*choice.FinishReason)
			events <- pipeline.StreamEvent{
				Type:       pipeline.EventMessageDelta,
				StopReason: resp.StopReason,
				UsageDelta: &pipeline.UsageDelta{OutputTokens: resp.Usage.OutputTokens},
			}
			events <- pipeline.StreamEvent{Type: pipeline.EventMessageStop}
			break
		}
	}

	return resp, nil
}

func appendText(resp *pipeline.Response, text string) {
	for i := range resp.Content {
		if resp.Content[i].Type == pipeline.BlockText {
			resp.Content[i].Text += text
			return
		}
	}
	resp.Content = append([]pipeline.ContentBlock{{Type: pipeline.BlockText, Text: text}}, resp.Content...)
}

func finalizeToolCall(resp *pipeline.Response, idx int, acc *toolArgAccumulator) {
	if acc == nil {
		return
	}
	cb := pipeline.ContentBlock{Type: pipeline.BlockToolUse, ID: acc.id, Name: acc.name}
	if raw := acc.args.String(); raw != "" {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &input); err == nil {
			cb.Input = input
		} else {
			cb.RawArguments = raw
		}
	}
	resp.Content = append(resp.Content, cb)
}

// Headers attaches OpenAI's bearer-token auth scheme.
func (c *Codec) Headers(ctx context.Context, cred pipeline.CredentialSource) (map[string]string, error) {
	token, err := cred.Token(ctx)
	if err != nil {
		return nil, pipeline.NewBackendPermanent(err, "openai: credential resolution failed")
	}
	headers := map[string]string{"content-type": "application/json"}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers, nil
}
