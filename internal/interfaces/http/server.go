package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agentrunner/agentrunner/internal/application/usecase"
	"github.com/agentrunner/agentrunner/internal/domain/service"
	"github.com/agentrunner/agentrunner/internal/infrastructure/monitoring"
	"github.com/agentrunner/agentrunner/internal/infrastructure/plugin"
	"github.com/agentrunner/agentrunner/internal/infrastructure/prompt"
	"github.com/agentrunner/agentrunner/internal/interfaces/http/handlers"
	"github.com/agentrunner/agentrunner/internal/interfaces/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the gin-backed HTTP facade.
type Server struct {
	server *http.Server
	wsHub  *websocket.Hub
	logger *zap.Logger
}

// Config binds the HTTP listener.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// monitorAdapter bridges *monitoring.Monitor onto the handler's
// Monitor interface (the concrete dashboard type becomes interface{}).
type monitorAdapter struct {
	m *monitoring.Monitor
}

func (a monitorAdapter) GetStats() map[string]interface{} { return a.m.GetStats() }
func (a monitorAdapter) GetDashboardData() interface{}    { return a.m.GetDashboardData() }

// pluginAdapter bridges *plugin.Loader onto the handler's PluginLoader
// interface the same way.
type pluginAdapter struct {
	l *plugin.Loader
}

func (a pluginAdapter) List() []interface{} {
	metas := a.l.List()
	out := make([]interface{}, len(metas))
	for i, m := range metas {
		out[i] = m
	}
	return out
}

func (a pluginAdapter) Get(name string) (interface{}, bool) {
	return a.l.Get(name)
}

// NewServer wires the handlers and routes.
func NewServer(cfg Config, uc *usecase.ProcessMessageUseCase, agentLoop *service.AgentLoop, toolExec service.ToolExecutor, promptEngine *prompt.PromptEngine, monitor *monitoring.Monitor, pluginLoader *plugin.Loader, logger *zap.Logger) *Server {

	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	messageHandler := handlers.NewMessageHandler(uc, logger)
	openaiHandler := handlers.NewOpenAIHandler(uc, logger, nil)
	var agentHandler *handlers.AgentHandler
	if agentLoop != nil {
		agentHandler = handlers.NewAgentHandler(agentLoop, toolExec, promptEngine, logger)
	}

	var debugHandler *handlers.DebugHandler
	if monitor != nil {
		var pl handlers.PluginLoader
		if pluginLoader != nil {
			pl = pluginAdapter{pluginLoader}
		}
		debugHandler = handlers.NewDebugHandler(monitorAdapter{monitor}, pl, nil, logger)
	}

	// Websocket duplex bridge: inbound chat frames run through the
	// one-shot use-case; the reply goes back on the same connection.
	wsHub := websocket.NewHub(logger)
	wsHub.SetMessageHandler(func(client *websocket.Client, msg *websocket.WSMessage) {
		if msg.Type != websocket.MessageTypeChat {
			return
		}
		go func() {
			reply, sessionID, err := uc.Execute(context.Background(), msg.SessionID, msg.Content)
			out := &websocket.WSMessage{Type: websocket.MessageTypeChat, SessionID: sessionID}
			if err != nil {
				out.Type = websocket.MessageTypeError
				out.Content = err.Error()
			} else {
				out.Content = reply.Text()
			}
			client.SendMessage(out)
		}()
	})
	wsHandler := websocket.NewHandler(wsHub, logger)

	setupRoutes(router, messageHandler, openaiHandler, agentHandler, debugHandler, monitor, wsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		wsHub:  wsHub,
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go s.wsHub.Run(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes registers all endpoints.
func setupRoutes(router *gin.Engine, messageHandler *handlers.MessageHandler, openaiHandler *handlers.OpenAIHandler, agentHandler *handlers.AgentHandler, debugHandler *handlers.DebugHandler, monitor *monitoring.Monitor, wsHandler *websocket.Handler) {

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message": "pong",
			})
		})

		v1.POST("/messages", messageHandler.SendMessage)

		// Agent Loop endpoints (SSE streaming)
		if agentHandler != nil {
			v1.POST("/agent", agentHandler.RunAgent)
			v1.GET("/agent/tools", agentHandler.GetTools)
		}

		if debugHandler != nil {
			handlers.RegisterDebugRoutes(v1, debugHandler)
		}
	}

	if monitor != nil {
		router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))
	}

	router.GET("/ws", func(c *gin.Context) {
		wsHandler.ServeWS(c.Writer, c.Request)
	})

	// OpenAI-compatible API
	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", openaiHandler.ChatCompletions)
		oai.GET("/models", openaiHandler.ListModels)
	}
}

// ginLogger adapts zap into a gin middleware.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
