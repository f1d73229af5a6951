package sse

import (
	"context"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// BufferedRun implements the buffered tool-call extraction path: it drains the
// codec's normal incremental decode into a throwaway channel, takes the
// final accumulated Response, scans every text block for the free-form
// tool-call syntaxes, replaces matches with synthetic tool_use blocks, and
// only then emits the canonical event sequence to out in one burst. This
// mode disables incremental streaming to the caller by construction: out
// receives nothing until decoding is fully complete.
func BufferedRun(ctx context.Context, codec pipeline.Codec, raw pipeline.StreamSource, out chan<- pipeline.StreamEvent) (*pipeline.Response, error) {
	internal := make(chan pipeline.StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range internal {
			// Discarded: the buffered path only needs the final Response.
		}
	}()

	resp, err := codec.DecodeStream(ctx, raw, internal)
	close(internal)
	<-done
	if err != nil {
		return nil, err
	}

	resp.Content = extractFromBlocks(resp.Content)
	Assemble(resp, out)
	return resp, nil
}

// extractFromBlocks scans every text block in content for free-form
// tool-call syntax and splices in synthetic tool_use blocks, preserving the
// position of non-tool-call text.
func extractFromBlocks(blocks []pipeline.ContentBlock) []pipeline.ContentBlock {
	out := make([]pipeline.ContentBlock, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != pipeline.BlockText {
			out = append(out, block)
			continue
		}
		calls, stripped := ExtractToolCalls(block.Text)
		if stripped != "" {
			out = append(out, pipeline.ContentBlock{Type: pipeline.BlockText, Text: stripped})
		}
		for _, call := range calls {
			cb := pipeline.ContentBlock{
				Type:  pipeline.BlockToolUse,
				ID:    call.ID,
				Name:  call.Name,
				Input: call.Arguments,
			}
			if call.Arguments == nil {
				cb.RawArguments = call.RawArguments
			}
			out = append(out, cb)
		}
	}
	return out
}

// Assemble emits the canonical event sequence for a complete Response as a
// single burst: message_start, then per content block start/delta/stop,
// then message_delta with stop_reason, then message_stop.
func Assemble(resp *pipeline.Response, out chan<- pipeline.StreamEvent) {
	out <- pipeline.StreamEvent{Type: pipeline.EventMessageStart, Message: resp}

	for i, block := range resp.Content {
		start := pipeline.StreamEvent{Type: pipeline.EventContentBlockStart, Index: i, BlockType: block.Type}
		if block.Type == pipeline.BlockToolUse {
			start.ToolUseID = block.ID
			start.ToolName = block.Name
		}
		out <- start

		switch block.Type {
		case pipeline.BlockText:
			if block.Text != "" {
				out <- pipeline.StreamEvent{
					Type:  pipeline.EventContentBlockDelta,
					Index: i,
					Delta: &pipeline.Delta{Kind: pipeline.DeltaText, Text: block.Text},
				}
			}
		case pipeline.BlockToolUse:
			raw := marshalInput(block.Input)
			if raw != "" {
				out <- pipeline.StreamEvent{
					Type:  pipeline.EventContentBlockDelta,
					Index: i,
					Delta: &pipeline.Delta{Kind: pipeline.DeltaInputJSON, PartialJSON: raw},
				}
			}
		}

		stop := pipeline.StreamEvent{Type: pipeline.EventContentBlockStop, Index: i}
		if block.Type == pipeline.BlockToolUse && block.Input == nil {
			stop.RawArguments = block.RawArguments
		}
		out <- stop
	}

	out <- pipeline.StreamEvent{
		Type:       pipeline.EventMessageDelta,
		StopReason: resp.StopReason,
		UsageDelta: &pipeline.UsageDelta{OutputTokens: resp.Usage.OutputTokens},
	}
	out <- pipeline.StreamEvent{Type: pipeline.EventMessageStop}
}
