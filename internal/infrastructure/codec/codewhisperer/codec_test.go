package codewhisperer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

func TestCodec_EncodeSplitsHistoryFromCurrentMessage(t *testing.T) {
	req := &pipeline.Request{
		Messages: []pipeline.Message{
			{Role: pipeline.RoleUser, Text: "what's 2+2?"},
			{Role: pipeline.RoleAssistant, Text: "4"},
			{Role: pipeline.RoleUser, Text: "and 3+3?"},
		},
	}
	entry := pipeline.PipelineEntry{UpstreamModel: "codewhisperer-default"}

	path, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if path != "/generateAssistantResponse" {
		t.Fatalf("path = %q", path)
	}
	var state wireConversationState
	json.Unmarshal(body, &state)
	if len(state.History) != 2 {
		t.Fatalf("got %d history turns, want 2", len(state.History))
	}
	if state.CurrentMessage.Content != "and 3+3?" {
		t.Fatalf("current message = %q", state.CurrentMessage.Content)
	}
}

func TestCodec_EncodeToolResultAttachesToCurrentMessageContext(t *testing.T) {
	req := &pipeline.Request{
		Tools: []pipeline.ToolSpec{{Name: "lookup", InputSchema: map[string]interface{}{}}},
		Messages: []pipeline.Message{
			{Role: pipeline.RoleUser, Text: "look something up"},
			{Role: pipeline.RoleAssistant, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolUse, ID: "t1", Name: "lookup", Input: map[string]interface{}{"q": "go"}},
			}},
			{Role: pipeline.RoleTool, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolResult, ToolUseID: "t1", Text: "result"},
			}},
		},
	}
	entry := pipeline.PipelineEntry{UpstreamModel: "codewhisperer-default"}

	_, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var state wireConversationState
	json.Unmarshal(body, &state)
	if state.CurrentMessage.UserInputMessageContext == nil || len(state.CurrentMessage.UserInputMessageContext.ToolResults) != 1 {
		t.Fatalf("tool result not attached: %+v", state.CurrentMessage.UserInputMessageContext)
	}
	if state.CurrentMessage.UserInputMessageContext.ToolResults[0].ToolUseID != "t1" {
		t.Fatalf("tool_use_id linkage lost: %+v", state.CurrentMessage.UserInputMessageContext.ToolResults[0])
	}
	if len(state.History) != 2 || state.History[1].AssistantResponseMessage == nil || len(state.History[1].AssistantResponseMessage.ToolUses) != 1 {
		t.Fatalf("tool_use not preserved in history: %+v", state.History)
	}
}

func TestCodec_DecodeStream_TextAndToolUse(t *testing.T) {
	lines := []string{
		`{"event":"assistantResponseEvent","content":"Hel"}`,
		`{"event":"assistantResponseEvent","content":"lo"}`,
		`{"event":"toolUseEvent","toolUseId":"t1","name":"lookup"}`,
		`{"event":"toolUseEvent","toolUseId":"t1","inputDelta":"{\"q\":"}`,
		`{"event":"toolUseEvent","toolUseId":"t1","inputDelta":"\"go\"}"}`,
		`{"event":"toolUseEvent","toolUseId":"t1","stop":true}`,
	}
	src := &lineSource{lines: lines}
	events := make(chan pipeline.StreamEvent, 32)
	resp, err := New().DecodeStream(context.Background(), src, events)
	close(events)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if resp.Content[0].Text != "Hello" {
		t.Fatalf("text = %q, want Hello", resp.Content[0].Text)
	}
	var toolBlock *pipeline.ContentBlock
	for i := range resp.Content {
		if resp.Content[i].Type == pipeline.BlockToolUse {
			toolBlock = &resp.Content[i]
		}
	}
	if toolBlock == nil || toolBlock.Input["q"] != "go" {
		t.Fatalf("tool use not reassembled: %+v", resp.Content)
	}
	if resp.StopReason != pipeline.StopToolUse {
		t.Fatalf("stop reason = %q, want tool_use", resp.StopReason)
	}
}

func TestCodec_DecodeResponseBuffersFullStream(t *testing.T) {
	body := []byte("{\"event\":\"assistantResponseEvent\",\"content\":\"hi\"}\n")
	resp, err := New().DecodeResponse(context.Background(), body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content[0].Text != "hi" {
		t.Fatalf("text = %q", resp.Content[0].Text)
	}
}
