package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/llmgateway/internal/interfaces/http/handlers"
)

// Server wraps the gateway's HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config configures the HTTP listener.
type Config struct {
	Host            string
	Port            int
	Mode            string // "production" selects gin release mode; anything else selects debug
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // 0 leaves writes unbounded, required for SSE
}

// NewServer builds the gateway's gin engine and wraps it in an *http.Server.
// orch drives both the native and OpenAI-compatible chat handlers; reg backs
// the pipeline introspection endpoint.
func NewServer(cfg Config, orch handlers.Orchestrator, reg handlers.PipelineSnapshotter, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	messagesHandler := handlers.NewMessagesHandler(orch, logger)
	openaiHandler := handlers.NewOpenAIHandler(orch, logger)
	pipelinesHandler := handlers.NewPipelinesHandler(reg)

	setupRoutes(router, messagesHandler, openaiHandler, pipelinesHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{server: server, logger: logger}
}

// Start begins serving in the background and always returns nil; a listen
// failure, including a bind failure, is only logged.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully drains in-flight requests, bounded by ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, messages *handlers.MessagesHandler, openai *handlers.OpenAIHandler, pipelines *handlers.PipelinesHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	router.GET("/v1/pipelines", pipelines.List)

	v1 := router.Group("/v1")
	{
		v1.POST("/messages", messages.CreateMessage)
		v1.POST("/chat/completions", openai.ChatCompletions)
		v1.GET("/models", openai.ListModels)
	}
}

// ginLogger logs each request's method, path, status, and latency.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
