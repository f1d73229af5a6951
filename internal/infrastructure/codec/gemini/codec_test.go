package gemini

import (
	"context"
	"encoding/json"
	"io"
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

func TestCodec_EncodeMapsRolesAndSystemInstruction(t *testing.T) {
	req := &pipeline.Request{
		System:   &pipeline.Message{Text: "be concise"},
		Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}},
	}
	entry := pipeline.PipelineEntry{UpstreamModel: "gemini/gemini-1.5-pro"}

	path, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if path != "/v1beta/models/gemini-1.5-pro:generateContent" {
		t.Fatalf("path = %q", path)
	}
	var wr wireRequest
	json.Unmarshal(body, &wr)
	if wr.SystemInstruction == nil || wr.SystemInstruction.Parts[0].Text != "be concise" {
		t.Fatalf("system instruction not encoded: %+v", wr.SystemInstruction)
	}
	if wr.Contents[0].Role != "user" {
		t.Fatalf("role = %q, want user", wr.Contents[0].Role)
	}
}

func TestCodec_EncodeStreamPathUsesAltSSE(t *testing.T) {
	req := &pipeline.Request{Stream: true, Messages: []pipeline.Message{{Role: pipeline.RoleUser, Text: "hi"}}}
	entry := pipeline.PipelineEntry{UpstreamModel: "gemini-1.5-flash"}

	path, _, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if path != "/v1beta/models/gemini-1.5-flash:streamGenerateContent?alt=sse" {
		t.Fatalf("path = %q", path)
	}
}

func TestCodec_EncodeToolResultBecomesFunctionResponse(t *testing.T) {
	req := &pipeline.Request{
		Messages: []pipeline.Message{
			{Role: pipeline.RoleAssistant, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolUse, Name: "lookup", Input: map[string]interface{}{"q": "go"}},
			}},
			{Role: pipeline.RoleTool, Blocks: []pipeline.ContentBlock{
				{Type: pipeline.BlockToolResult, ToolUseID: "lookup", Text: "result"},
			}},
		},
	}
	entry := pipeline.PipelineEntry{UpstreamModel: "gemini-1.5-pro"}

	_, body, err := New().Encode(context.Background(), req, entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var wr wireRequest
	json.Unmarshal(body, &wr)
	if wr.Contents[0].Role != "model" || wr.Contents[0].Parts[0].FunctionCall.Name != "lookup" {
		t.Fatalf("function call not encoded: %+v", wr.Contents[0])
	}
	if wr.Contents[1].Role != "user" || wr.Contents[1].Parts[0].FunctionResponse == nil {
		t.Fatalf("function response not encoded: %+v", wr.Contents[1])
	}
}

func TestCodec_DecodeResponse(t *testing.T) {
	body := []byte(`{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hello"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2},
		"modelVersion": "gemini-1.5-pro"
	}`)
	resp, err := New().DecodeResponse(context.Background(), body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StopReason != pipeline.StopEndTurn || resp.Content[0].Text != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCodec_DecodeStream_TextAndFunctionCall(t *testing.T) {
	lines := []string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]}`,
		`data: {"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":"go"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4}}`,
	}
	src := &fakeLineSource{lines: lines}
	events := make(chan pipeline.StreamEvent, 32)
	resp, err := New().DecodeStream(context.Background(), src, events)
	close(events)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if resp.Content[0].Text != "Hello" {
		t.Fatalf("got text %q, want Hello", resp.Content[0].Text)
	}
	if resp.StopReason != pipeline.StopEndTurn {
		t.Fatalf("got stop reason %q", resp.StopReason)
	}

	var sawToolStart, sawToolDelta bool
	for evt := range events {
		if evt.Type == pipeline.EventContentBlockStart && evt.BlockType == pipeline.BlockToolUse {
			sawToolStart = true
		}
		if evt.Type == pipeline.EventContentBlockDelta && evt.Delta != nil && evt.Delta.Kind == pipeline.DeltaInputJSON {
			sawToolDelta = true
		}
	}
	if !sawToolStart || !sawToolDelta {
		t.Fatalf("expected tool_use start+delta events, got none")
	}
}
