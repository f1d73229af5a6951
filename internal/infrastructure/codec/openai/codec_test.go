package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

type fakeLineSource struct {
	lines []string
	i     int
}

func (f *fakeLineSource) ReadLine() (string, error) {
	if f.i >= len(f.lines) {
		return "", io.EOF
	}
	l := f.lines[f.i]
	f.i++
	return l, nil
}

func TestCodec_EncodeStringContentShape(t *testing.T) {
	req := &pipeline.Request{
		Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hello"}},
	}
	entry := pipeline.PipelineEntry{UpstreamModel: "gpt-4o", Hints: pipeline.CompatibilityHints{ContentShape: pipeline.ContentShapeString}}

	_, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var wr wireRequest
	json.Unmarshal(body, &wr)
	if s, ok := wr.Messages[0].Content.(string); !ok || s != "hello" {
		t.Fatalf("content = %#v, want string \"hello\"", wr.Messages[0].Content)
	}
}

func TestCodec_EncodeToolCallRoundTrip(t *testing.T) {
	req := &pipeline.Request{
		Messages: []pipeline.Message{
			{Role: pipeline.RoleAssistant, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolUse, ID: "call_1", Name: "lookup", Input: map[string]interface{}{"q": "go"}},
			}},
			{Role: pipeline.RoleTool, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolResult, ToolUseID: "call_1", Text: "result"},
			}},
		},
	}
	entry := pipeline.PipelineEntry{UpstreamModel: "gpt-4o"}

	_, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var wr wireRequest
	json.Unmarshal(body, &wr)
	if len(wr.Messages[0].ToolCalls) != 1 || wr.Messages[0].ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool call not encoded: %+v", wr.Messages[0])
	}
	if wr.Messages[1].ToolCallID != "call_1" {
		t.Fatalf("tool_call_id linkage lost: %+v", wr.Messages[1])
	}
}

func TestCodec_DecodeStream_ToolCallFragmentsAndFinishReason(t *testing.T) {
	lines := []string{
		`data: {"id":"1","choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"id":"1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}}]}`,
		`data: {"id":"1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}}]}`,
		`data: {"id":"1","choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":4}}`,
		`data: [DONE]`,
	}
	src := &fakeLineSource{lines: lines}
	events := make(chan pipeline.StreamEvent, 32)
	resp, err := New().DecodeStream(context.Background(), src, events)
	close(events)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if resp.StopReason != pipeline.StopToolUse {
		t.Fatalf("got stop reason %q", resp.StopReason)
	}
	var toolBlock *pipeline.ContentBlock
	for i := range resp.Content {
		if resp.Content[i].Type == pipeline.BlockToolUse {
			toolBlock = &resp.Content[i]
		}
	}
	if toolBlock == nil || toolBlock.Input["q"] != "go" {
		t.Fatalf("tool call not reassembled: %+v", resp.Content)
	}

	var partials []string
	for evt := range events {
		if evt.Type == pipeline.EventContentBlockDelta && evt.Delta != nil && evt.Delta.Kind == pipeline.DeltaInputJSON {
			partials = append(partials, evt.Delta.PartialJSON)
		}
	}
	if strings.Join(partials, "") != `{"q":"go"}` {
		t.Fatalf("concatenated partial_json = %q", strings.Join(partials, ""))
	}
}
