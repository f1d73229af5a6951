package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Codec implements pipeline.Codec for the Gemini generateContent API.
type Codec struct{}

func New() *Codec { return &Codec{} }

var _ pipeline.Codec = (*Codec)(nil)

func (c *Codec) Encode(ctx context.Context, req *pipeline.Request, entry pipeline.PipelineEntry) (string, []byte, error) {
	wr := wireRequest{
		GenerationConfig: &wireGenerationConfig{
			MaxOutputTokens: clampMaxTokens(req.MaxTokens, entry.Hints.MaxTokensCap),
			StopSequences:   req.StopSequences,
		},
	}
	if req.Temperature != nil {
		wr.GenerationConfig.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		wr.GenerationConfig.TopP = *req.TopP
	}

	if req.System != nil {
		wr.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.System.Text}}}
	}
	for _, m := range req.Messages {
		if content, ok := encodeMessage(m); ok {
			wr.Contents = append(wr.Contents, content)
		}
	}
	if len(req.Tools) > 0 {
		var decls []wireFunctionDeclarationSpec
		for _, t := range req.Tools {
			decls = append(decls, wireFunctionDeclarationSpec{
				Name: t.Name, Description: t.Description, Parameters: ensureObjectSchema(t.InputSchema),
			})
		}
		wr.Tools = []wireToolDeclaration{{FunctionDeclarations: decls}}
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return "", nil, pipeline.NewTransformFault(err, "gemini: encode request")
	}

	model := stripProviderPrefix(entry.UpstreamModel)
	method := "generateContent"
	if req.Stream && entry.Hints.ForceStream != pipeline.ForceStreamOff {
		method = "streamGenerateContent?alt=sse"
	}
	path := fmt.Sprintf("/v1beta/models/%s:%s", model, method)
	return path, body, nil
}

func clampMaxTokens(requested, cap int) int {
	if cap > 0 && (requested <= 0 || requested > cap) {
		return cap
	}
	return requested
}

func stripProviderPrefix(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
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

// encodeMessage maps a canonical message onto Gemini's role/part model.
// Gemini has no "tool" role of its own: a tool result travels as a
// functionResponse part inside a user turn, and the assistant role is
// spelled "model".
func encodeMessage(m pipeline.Message) (wireContent, bool) {
	switch m.Role {
	case pipeline.RoleAssistant:
		content := wireContent{Role: "model"}
		if m.HasBlocks() {
			for _, b := range m.Blocks {
				switch b.Type {
				case pipeline.BlockText:
					content.Parts = append(content.Parts, wirePart{Text: b.Text})
				case pipeline.BlockToolUse:
					content.Parts = append(content.Parts, wirePart{FunctionCall: &wireFunctionCall{Name: b.Name, Args: b.Input}})
				}
			}
		} else if m.Text != "" {
			content.Parts = append(content.Parts, wirePart{Text: m.Text})
		}
		if len(content.Parts) == 0 {
			return wireContent{}, false
		}
		return content, true

	case pipeline.RoleTool:
		content := wireContent{Role: "user"}
		for _, b := range m.Blocks {
			if b.Type == pipeline.BlockToolResult {
				content.Parts = append(content.Parts, wirePart{
					FunctionResponse: &wireFunctionResponse{Name: b.ToolUseID, Response: map[string]interface{}{"output": b.Text}},
				})
			}
		}
		if len(content.Parts) == 0 {
			return wireContent{}, false
		}
		return content, true

	default: // user
		content := wireContent{Role: "user"}
		if m.HasBlocks() {
			for _, b := range m.Blocks {
				if b.Type == pipeline.BlockText {
					content.Parts = append(content.Parts, wirePart{Text: b.Text})
				}
				if b.Type == pipeline.BlockImage {
					content.Parts = append(content.Parts, wirePart{InlineData: &wireInlineData{MimeType: b.MimeType, Data: b.Data}})
				}
			}
		} else {
			content.Parts = append(content.Parts, wirePart{Text: m.Text})
		}
		return content, true
	}
}

func (c *Codec) DecodeResponse(ctx context.Context, body []byte) (*pipeline.Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, pipeline.NewBackendTransient(err, "gemini: decode response")
	}
	if len(wr.Candidates) == 0 {
		return nil, pipeline.NewBackendTransient(nil, "gemini: response has no candidates")
	}
	candidate := wr.Candidates[0]

	resp := &pipeline.Response{
		Role:       pipeline.RoleAssistant,
		Model:      wr.ModelVersion,
		StopReason: mapFinishReason(candidate.FinishReason),
	}
	if wr.UsageMetadata != nil {
		resp.Usage = pipeline.Usage{
			InputTokens:  wr.UsageMetadata.PromptTokenCount,
			OutputTokens: wr.UsageMetadata.CandidatesTokenCount,
		}
	}
	for _, part := range candidate.Content.Parts {
		resp.Content = append(resp.Content, blocksFromPart(part, len(resp.Content))...)
	}
	return resp, nil
}

func blocksFromPart(part wirePart, callIndex int) []pipeline.ContentBlock {
	var out []pipeline.ContentBlock
	if part.Text != "" {
		out = append(out, pipeline.ContentBlock{Type: pipeline.BlockText, Text: part.Text})
	}
	if part.FunctionCall != nil {
		out = append(out, pipeline.ContentBlock{
			Type:  pipeline.BlockToolUse,
			ID:    syntheticCallID(part.FunctionCall.Name, callIndex),
			Name:  part.FunctionCall.Name,
			Input: part.FunctionCall.Args,
		})
	}
	return out
}

// syntheticCallID fabricates a stable tool_use id. Gemini's wire format
// carries no call id of its own.
func syntheticCallID(name string, index int) string {
	return fmt.Sprintf("call_%s_%d", name, index)
}

func mapFinishReason(reason string) pipeline.StopReason {
	switch reason {
	case "STOP":
		return pipeline.StopEndTurn
	case "MAX_TOKENS":
		return pipeline.StopMaxTokens
	case "SAFETY", "RECITATION":
		return pipeline.StopSequenceHit
	default:
		return pipeline.StopEndTurn
	}
}

// DecodeStream parses Gemini's SSE stream, where each "data:" line carries a
// full wireResponse rather than an incremental delta, so decoding replays a
// candidate's text and function-call parts as they arrive chunk by chunk.
func (c *Codec) DecodeStream(ctx context.Context, raw pipeline.StreamSource, events chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	resp := &pipeline.Response{Role: pipeline.RoleAssistant}
	textOpen := false
	nextIndex := 0
	toolCount := 0

	emitTextStart := func() {
		if !textOpen {
			events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStart, Index: 0, BlockType: pipeline.BlockText}
			textOpen = true
			if nextIndex == 0 {
				nextIndex = 1
			}
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
			return resp, pipeline.NewBackendTransient(err, "gemini: stream read")
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.ModelVersion != "" {
			resp.Model = chunk.ModelVersion
		}
		if chunk.UsageMetadata != nil {
			resp.Usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
			resp.Usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]

		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				emitTextStart()
				appendText(resp, part.Text)
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: 0, Delta: &pipeline.Delta{Kind: pipeline.DeltaText, Text: part.Text}}
			}
			if part.FunctionCall != nil {
				idx := nextIndex
				nextIndex++
				id := syntheticCallID(part.FunctionCall.Name, toolCount)
				toolCount++
				args, _ := json.Marshal(part.FunctionCall.Args)
				resp.Content = append(resp.Content, pipeline.ContentBlock{
					Type: pipeline.BlockToolUse, ID: id, Name: part.FunctionCall.Name, Input: part.FunctionCall.Args,
				})
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStart, Index: idx, BlockType: pipeline.BlockToolUse, ToolUseID: id, ToolName: part.FunctionCall.Name}
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: idx, Delta: &pipeline.Delta{Kind: pipeline.DeltaInputJSON, PartialJSON: string(args)}}
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: idx}
			}
		}

		if candidate.FinishReason != "" {
			if textOpen {
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: 0}
			}
			resp.StopReason = mapFinishReason(candidate.FinishReason)
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

// Headers attaches Gemini's header-based API key auth, the documented
// alternative to the "?key=" query parameter that keeps secrets out of
// access logs and URL-based transport tracing.
func (c *Codec) Headers(ctx context.Context, cred pipeline.CredentialSource) (map[string]string, error) {
	token, err := cred.Token(ctx)
	if err != nil {
		return nil, pipeline.NewBackendPermanent(err, "gemini: credential resolution failed")
	}
	headers := map[string]string{"content-type": "application/json"}
	if token != "" {
		headers["x-goog-api-key"] = token
	}
	return headers, nil
}
