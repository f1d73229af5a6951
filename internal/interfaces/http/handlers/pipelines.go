package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ngoclaw/llmgateway/internal/infrastructure/registry"
)

// PipelineSnapshotter is satisfied by *registry.Registry.
type PipelineSnapshotter interface {
	Snapshot() []registry.Status
}

// PipelinesHandler serves GET /v1/pipelines, an operator-facing view of
// every tracked backend's health, breaker state, and load.
type PipelinesHandler struct {
	registry PipelineSnapshotter
}

func NewPipelinesHandler(r PipelineSnapshotter) *PipelinesHandler {
	return &PipelinesHandler{registry: r}
}

func (h *PipelinesHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pipelines": h.registry.Snapshot()})
}
