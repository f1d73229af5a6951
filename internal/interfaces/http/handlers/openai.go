package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// OpenAIHandler serves the OpenAI-compatible /v1/chat/completions and
// /v1/models endpoints, translating to and from the same canonical
// pipeline.Request/Response/StreamEvent model the native handler uses.
type OpenAIHandler struct {
	orch   Orchestrator
	logger *zap.Logger
}

func NewOpenAIHandler(orch Orchestrator, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{orch: orch, logger: logger.With(zap.String("component", "openai_handler"))}
}

func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	var in openAIRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, newOpenAIError(pipeline.FaultClient, err.Error()))
		return
	}

	req, err := toCanonicalRequestFromOpenAI(&in)
	if err != nil {
		h.writeError(c, err)
		return
	}

	id := "chatcmpl-" + uuid.NewString()

	if req.Stream {
		h.stream(c, req, id)
		return
	}

	resp, err := h.orch.Handle(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fromCanonicalResponseToOpenAI(resp, id))
}

// ListModels always returns an empty model list; it does not read the
// routing table. Kept minimal: clients pick a model name that the classifier and
// balancer then route on, not a name the gateway itself serves directly.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": []gin.H{}})
}

// toolCallTracker assigns each tool_use content block index a dense,
// zero-based tool_calls array index in first-seen order, matching how
// OpenAI clients expect the delta.tool_calls array to grow.
type toolCallTracker struct {
	next    int
	indices map[int]int
}

func newToolCallTracker() *toolCallTracker {
	return &toolCallTracker{indices: make(map[int]int)}
}

func (t *toolCallTracker) indexFor(blockIndex int) int {
	if i, ok := t.indices[blockIndex]; ok {
		return i
	}
	i := t.next
	t.indices[blockIndex] = i
	t.next++
	return i
}

func (h *OpenAIHandler) stream(c *gin.Context, req *pipeline.Request, id string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	out := make(chan pipeline.StreamEvent, 16)
	done := make(chan error, 1)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("panic while running stream", zap.Any("panic", r))
				done <- pipeline.NewTransformFault(nil, "panic: %v", r)
			}
		}()
		_, err := h.orch.HandleStream(c.Request.Context(), req, out)
		done <- err
	}()

	tracker := newToolCallTracker()
	sentDone := false

	c.Stream(func(w io.Writer) bool {
		evt, ok := <-out
		if !ok {
			if !sentDone {
				io.WriteString(w, "data: [DONE]\n\n")
			}
			return false
		}
		chunk, terminal := openAIChunkFor(evt, id, req.ModelHint, tracker)
		if chunk != nil {
			data, err := json.Marshal(chunk)
			if err != nil {
				h.logger.Warn("failed to encode stream chunk", zap.Error(err))
				return false
			}
			io.WriteString(w, "data: ")
			w.Write(data)
			io.WriteString(w, "\n\n")
		}
		if terminal {
			io.WriteString(w, "data: [DONE]\n\n")
			sentDone = true
		}
		return true
	})

	if err := <-done; err != nil {
		if perr := pipeline.AsError(err); perr.Fault != pipeline.FaultCanceled {
			h.logger.Warn("stream ended with error after headers were sent", zap.Error(perr))
		}
	}
}

// openAIChunkFor translates one canonical stream event into an OpenAI chunk.
// Returns a nil chunk for events with no OpenAI-visible effect
// (content_block_stop). terminal is true once message_stop arrives.
func openAIChunkFor(evt pipeline.StreamEvent, id, model string, tracker *toolCallTracker) (*openAIChunk, bool) {
	switch evt.Type {
	case pipeline.EventMessageStart:
		return &openAIChunk{ID: id, Object: "chat.completion.chunk", Model: model, Choices: []openAIChunkChoice{{
			Index: 0, Delta: openAIDelta{Role: string(pipeline.RoleAssistant)},
		}}}, false

	case pipeline.EventContentBlockStart:
		if evt.BlockType != pipeline.BlockToolUse {
			return nil, false
		}
		idx := tracker.indexFor(evt.Index)
		return &openAIChunk{ID: id, Object: "chat.completion.chunk", Model: model, Choices: []openAIChunkChoice{{
			Index: 0, Delta: openAIDelta{ToolCalls: []openAIToolCallDelta{{
				Index: idx, ID: evt.ToolUseID, Type: "function",
				Function: &openAIFunctionCall{Name: evt.ToolName},
			}}},
		}}}, false

	case pipeline.EventContentBlockDelta:
		if evt.Delta == nil {
			return nil, false
		}
		switch evt.Delta.Kind {
		case pipeline.DeltaText:
			return &openAIChunk{ID: id, Object: "chat.completion.chunk", Model: model, Choices: []openAIChunkChoice{{
				Index: 0, Delta: openAIDelta{Content: evt.Delta.Text},
			}}}, false
		case pipeline.DeltaInputJSON:
			idx := tracker.indexFor(evt.Index)
			return &openAIChunk{ID: id, Object: "chat.completion.chunk", Model: model, Choices: []openAIChunkChoice{{
				Index: 0, Delta: openAIDelta{ToolCalls: []openAIToolCallDelta{{
					Index: idx, Function: &openAIFunctionCall{Arguments: evt.Delta.PartialJSON},
				}}},
			}}}, false
		}
		return nil, false

	case pipeline.EventMessageDelta:
		reason := openAIFinishReason(evt.StopReason)
		usage := &openAIUsage{}
		if evt.UsageDelta != nil {
			usage.CompletionTokens = evt.UsageDelta.OutputTokens
		}
		return &openAIChunk{ID: id, Object: "chat.completion.chunk", Model: model, Usage: usage, Choices: []openAIChunkChoice{{
			Index: 0, Delta: openAIDelta{}, FinishReason: &reason,
		}}}, false

	case pipeline.EventMessageStop:
		return nil, true

	default:
		return nil, false
	}
}

func (h *OpenAIHandler) writeError(c *gin.Context, err error) {
	perr := pipeline.AsError(err)
	if perr.Fault == pipeline.FaultCanceled {
		c.Status(499)
		return
	}
	h.logger.Warn("request failed", zap.Error(perr))
	c.JSON(perr.HTTPStatus(), newOpenAIError(perr.Fault, perr.Error()))
}
