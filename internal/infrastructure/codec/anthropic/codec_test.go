package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

func TestCodec_EncodePreservesToolLinkage(t *testing.T) {
	req := &pipeline.Request{
		ModelHint: "claude-3-sonnet",
		Messages: []pipeline.Message{
			{Role: pipeline.RoleUser, Text: "what's the weather?"},
			{Role: pipeline.RoleAssistant, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolUse, ID: "call_1", Name: "get_weather", Input: map[string]interface{}{"city": "nyc"}},
			}},
			{Role: pipeline.RoleUser, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolResult, ToolUseID: "call_1", Text: "72F"},
			}},
		},
		MaxTokens: 256,
	}
	entry := pipeline.PipelineEntry{UpstreamModel: "claude-3-sonnet-20240229"}

	path, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if path != "/v1/messages" {
		t.Fatalf("path = %q", path)
	}

	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(wr.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(wr.Messages))
	}
	toolUse := wr.Messages[1].Content[0]
	if toolUse.ID != "call_1" || toolUse.Input["city"] != "nyc" {
		t.Fatalf("tool_use not preserved: %+v", toolUse)
	}
	toolResult := wr.Messages[2].Content[0]
	if toolResult.ToolUseID != "call_1" {
		t.Fatalf("tool_result linkage not preserved: %+v", toolResult)
	}
}

func TestCodec_EncodeClampsMaxTokens(t *testing.T) {
	req := &pipeline.Request{MaxTokens: 10000, Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}}
	entry := pipeline.PipelineEntry{UpstreamModel: "m", Hints: pipeline.CompatibilityHints{MaxTokensCap: 4096}}

	_, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var wr wireRequest
	json.Unmarshal(body, &wr)
	if wr.MaxTokens != 4096 {
		t.Fatalf("max_tokens = %d, want clamped to 4096", wr.MaxTokens)
	}
}

func TestCodec_DecodeResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1", "type": "message", "role": "assistant",
		"content": [{"type": "text", "text": "hello"}],
		"model": "claude-3-sonnet-20240229",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 5, "output_tokens": 2}
	}`)
	resp, err := New().DecodeResponse(context.Background(), body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StopReason != pipeline.StopEndTurn || resp.Content[0].Text != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// fakeLineSource implements pipeline.StreamSource over a canned line slice.
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

func TestCodec_DecodeStream_TextDeltas(t *testing.T) {
	lines := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","role":"assistant","model":"claude-3","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}
	src := &fakeLineSource{lines: lines}
	events := make(chan pipeline.StreamEvent, 32)
	resp, err := New().DecodeStream(context.Background(), src, events)
	close(events)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if resp.Content[0].Text != "Hello" {
		t.Fatalf("got content %q, want Hello", resp.Content[0].Text)
	}
	if resp.StopReason != pipeline.StopEndTurn {
		t.Fatalf("got stop reason %q", resp.StopReason)
	}

	var deltas []string
	for evt := range events {
		if evt.Type == pipeline.EventContentBlockDelta && evt.Delta != nil {
			deltas = append(deltas, evt.Delta.Text)
		}
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("concatenated deltas = %q, want Hello", strings.Join(deltas, ""))
	}
}

func TestCodec_DecodeStream_ToolCallFragmentsReassemble(t *testing.T) {
	lines := []string{
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"get_weather"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"nyc\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
	}
	src := &fakeLineSource{lines: lines}
	events := make(chan pipeline.StreamEvent, 32)
	resp, err := New().DecodeStream(context.Background(), src, events)
	close(events)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if resp.Content[0].Input["city"] != "nyc" {
		t.Fatalf("tool input not reassembled: %+v", resp.Content[0].Input)
	}

	var partials []string
	for evt := range events {
		if evt.Type == pipeline.EventContentBlockDelta && evt.Delta != nil {
			partials = append(partials, evt.Delta.PartialJSON)
		}
	}
	if strings.Join(partials, "") != `{"city":"nyc"}` {
		t.Fatalf("concatenated partial_json = %q", strings.Join(partials, ""))
	}
}
