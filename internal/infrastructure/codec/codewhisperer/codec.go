package codewhisperer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Codec implements pipeline.Codec for AWS CodeWhisperer's
// generateAssistantResponse API.
type Codec struct{}

func New() *Codec { return &Codec{} }

var _ pipeline.Codec = (*Codec)(nil)

const chatTriggerManual = "MANUAL"

func (c *Codec) Encode(ctx context.Context, req *pipeline.Request, entry pipeline.PipelineEntry) (string, []byte, error) {
	if len(req.Messages) == 0 {
		return "", nil, pipeline.NewClientFault("codewhisperer: at least one message is required")
	}

	state := wireConversationState{ChatTriggerType: chatTriggerManual}

	last := len(req.Messages) - 1
	for i, m := range req.Messages[:last] {
		turn, ok := encodeHistoryTurn(m, systemPrefixFor(req, i))
		if ok {
			state.History = append(state.History, turn)
		}
	}

	current := req.Messages[last]
	content := textOf(current)
	if req.System != nil && last == 0 {
		content = req.System.Text + "\n\n" + content
	}
	state.CurrentMessage = wireUserMessage{Content: content}

	if toolResults := toolResultsOf(current); len(toolResults) > 0 || len(req.Tools) > 0 {
		state.CurrentMessage.UserInputMessageContext = &wireUserMessageContext{
			ToolResults: toolResults,
			Tools:       encodeTools(req.Tools),
		}
	}

	body, err := json.Marshal(state)
	if err != nil {
		return "", nil, pipeline.NewTransformFault(err, "codewhisperer: encode request")
	}
	return "/generateAssistantResponse", body, nil
}

// systemPrefixFor prepends the system prompt to the first history turn so it
// survives in a format CodeWhisperer has no dedicated field for.
func systemPrefixFor(req *pipeline.Request, index int) string {
	if req.System != nil && index == 0 {
		return req.System.Text + "\n\n"
	}
	return ""
}

func encodeHistoryTurn(m pipeline.Message, prefix string) (wireHistoryTurn, bool) {
	switch m.Role {
	case pipeline.RoleUser:
		return wireHistoryTurn{UserInputMessage: &wireUserMessage{Content: prefix + textOf(m)}}, true
	case pipeline.RoleAssistant:
		am := wireAssistantMessage{Content: prefix + textOf(m)}
		for _, b := range m.Blocks {
			if b.Type == pipeline.BlockToolUse {
				am.ToolUses = append(am.ToolUses, wireToolUse{ToolUseID: b.ID, Name: b.Name, Input: b.Input})
			}
		}
		return wireHistoryTurn{AssistantResponseMessage: &am}, true
	case pipeline.RoleTool:
		// Tool results fold into the following user/current turn's
		// UserInputMessageContext rather than forming their own history turn.
		return wireHistoryTurn{}, false
	}
	return wireHistoryTurn{}, false
}

func textOf(m pipeline.Message) string {
	if !m.HasBlocks() {
		return m.Text
	}
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == pipeline.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func toolResultsOf(m pipeline.Message) []wireToolResult {
	var out []wireToolResult
	for _, b := range m.Blocks {
		if b.Type != pipeline.BlockToolResult {
			continue
		}
		status := "success"
		out = append(out, wireToolResult{
			ToolUseID: b.ToolUseID,
			Status:    status,
			Content:   []map[string]interface{}{{"text": b.Text}},
		})
	}
	return out
}

func encodeTools(tools []pipeline.ToolSpec) []wireTool {
	var out []wireTool
	for _, t := range tools {
		out = append(out, wireTool{ToolSpecification: wireToolSpecification{
			Name: t.Name, Description: t.Description, InputSchema: ensureObjectSchema(t.InputSchema),
		}})
	}
	return out
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

// DecodeResponse buffers a full event-stream response and replays it through
// DecodeStream against a discarded event channel, since CodeWhisperer has no
// separate non-streaming response shape (the operation always streams).
func (c *Codec) DecodeResponse(ctx context.Context, body []byte) (*pipeline.Response, error) {
	src := &lineSource{lines: strings.Split(strings.TrimRight(string(body), "\n"), "\n")}
	sink := make(chan pipeline.StreamEvent, 64)
	go func() {
		for range sink {
		}
	}()
	resp, err := c.DecodeStream(ctx, src, sink)
	close(sink)
	return resp, err
}

type lineSource struct {
	lines []string
	i     int
}

func (s *lineSource) ReadLine() (string, error) {
	if s.i >= len(s.lines) {
		return "", io.EOF
	}
	l := s.lines[s.i]
	s.i++
	return l, nil
}

// DecodeStream parses the de-framed event-stream lines emitted by the
// transport layer for a generateAssistantResponse call.
func (c *Codec) DecodeStream(ctx context.Context, raw pipeline.StreamSource, events chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	resp := &pipeline.Response{Role: pipeline.RoleAssistant, StopReason: pipeline.StopEndTurn}
	textOpen := false
	toolOpen := map[string]int{}
	toolArgs := map[string]*strings.Builder{}
	toolMeta := map[string]wireStreamFrame{}
	nextIndex := 0

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
			return resp, pipeline.NewBackendTransient(err, "codewhisperer: stream read")
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var frame wireStreamFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			continue
		}

		switch frame.Event {
		case "assistantResponseEvent":
			emitTextStart()
			appendText(resp, frame.Content)
			events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: 0, Delta: &pipeline.Delta{Kind: pipeline.DeltaText, Text: frame.Content}}

		case "toolUseEvent":
			idx, ok := toolOpen[frame.ToolUseID]
			if !ok {
				idx = nextIndex
				nextIndex++
				toolOpen[frame.ToolUseID] = idx
				toolArgs[frame.ToolUseID] = &strings.Builder{}
				toolMeta[frame.ToolUseID] = frame
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStart, Index: idx, BlockType: pipeline.BlockToolUse, ToolUseID: frame.ToolUseID, ToolName: frame.Name}
			}
			if frame.InputDelta != "" {
				toolArgs[frame.ToolUseID].WriteString(frame.InputDelta)
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockDelta, Index: idx, Delta: &pipeline.Delta{Kind: pipeline.DeltaInputJSON, PartialJSON: frame.InputDelta}}
			}
			if frame.Stop {
				finalizeToolUse(resp, frame.ToolUseID, toolMeta[frame.ToolUseID], toolArgs[frame.ToolUseID])
				events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: idx}
			}
		}
	}

	if textOpen {
		events <- pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: 0}
	}
	if len(resp.Content) > 0 {
		hasTool := false
		for _, b := range resp.Content {
			if b.Type == pipeline.BlockToolUse {
				hasTool = true
			}
		}
		if hasTool {
			resp.StopReason = pipeline.StopToolUse
		}
	}
	events <- pipeline.StreamEvent{
		Type:       pipeline.EventMessageDelta,
		StopReason: resp.StopReason,
		UsageDelta: &pipeline.UsageDelta{OutputTokens: resp.Usage.OutputTokens},
	}
	events <- pipeline.StreamEvent{Type: pipeline.EventMessageStop}

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

func finalizeToolUse(resp *pipeline.Response, id string, meta wireStreamFrame, args *strings.Builder) {
	cb := pipeline.ContentBlock{Type: pipeline.BlockToolUse, ID: id, Name: meta.Name, Input: meta.Input}
	if args != nil && args.Len() > 0 {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(args.String()), &input); err == nil {
			cb.Input = input
		}
	}
	resp.Content = append(resp.Content, cb)
}

// Headers attaches CodeWhisperer's bearer-token auth, used by the AWS
// Builder ID individual tier. Enterprise IAM Identity Center deployments
// sign requests with SigV4 instead; this codec does not sign, and only
// Prober.signSigV4 in probe.go signs (health probes only).
func (c *Codec) Headers(ctx context.Context, cred pipeline.CredentialSource) (map[string]string, error) {
	token, err := cred.Token(ctx)
	if err != nil {
		return nil, pipeline.NewBackendPermanent(err, "codewhisperer: credential resolution failed")
	}
	headers := map[string]string{"content-type": "application/json"}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers, nil
}
