package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the Anthropic
// handler drives. Declared here rather than imported as a concrete type so
// tests can stand in a fake.
type Orchestrator interface {
	Handle(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error)
	HandleStream(ctx context.Context, req *pipeline.Request, out chan<- pipeline.StreamEvent) (*pipeline.Response, error)
}

// MessagesHandler serves the native Anthropic-schema /v1/messages endpoint:
// inbound JSON is translated to a canonical pipeline.Request, run through the
// orchestrator, and the canonical result translated back to Anthropic's
// response or SSE event shapes.
type MessagesHandler struct {
	orch   Orchestrator
	logger *zap.Logger
}

func NewMessagesHandler(orch Orchestrator, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{orch: orch, logger: logger.With(zap.String("component", "messages_handler"))}
}

func (h *MessagesHandler) CreateMessage(c *gin.Context) {
	var in anthropicRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, newAnthropicError(pipeline.FaultClient, err.Error()))
		return
	}

	req, err := toCanonicalRequest(&in)
	if err != nil {
		h.writeError(c, err)
		return
	}

	messageID := "msg_" + uuid.NewString()

	if req.Stream {
		h.stream(c, req, messageID)
		return
	}

	resp, err := h.orch.Handle(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fromCanonicalResponse(resp, messageID))
}

func (h *MessagesHandler) stream(c *gin.Context, req *pipeline.Request, messageID string) {
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

	c.Stream(func(w io.Writer) bool {
		evt, ok := <-out
		if !ok {
			return false
		}
		name, data, err := anthropicSSEEvent(evt, messageID)
		if err != nil {
			h.logger.Warn("failed to encode stream event", zap.Error(err))
			return false
		}
		writeSSEFrame(w, name, data)
		return true
	})

	if err := <-done; err != nil {
		if perr := pipeline.AsError(err); perr.Fault != pipeline.FaultCanceled {
			h.logger.Warn("stream ended with error after headers were sent", zap.Error(perr))
		}
	}
}

// writeSSEFrame writes one "event: name\ndata: json\n\n" frame, matching the
// native Anthropic SSE wire format.
func writeSSEFrame(w io.Writer, name string, data []byte) {
	w.Write([]byte("event: " + name + "\n"))
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func (h *MessagesHandler) writeError(c *gin.Context, err error) {
	perr := pipeline.AsError(err)
	if perr.Fault == pipeline.FaultCanceled {
		c.Status(499)
		return
	}
	h.logger.Warn("request failed", zap.Error(perr))
	c.JSON(perr.HTTPStatus(), newAnthropicError(perr.Fault, perr.Error()))
}
