package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DebugHandler exposes runtime internals for debugging.
type DebugHandler struct {
	monitor      Monitor
	pluginLoader PluginLoader
	sessionMgr   SessionStats
	logger       *zap.Logger
}

// Monitor is the metrics surface the handler reads.
type Monitor interface {
	GetStats() map[string]interface{}
	GetDashboardData() interface{}
}

// PluginLoader is the plugin surface the handler reads.
type PluginLoader interface {
	List() []interface{}
	Get(name string) (interface{}, bool)
}

// SessionStats reports session counts.
type SessionStats interface {
	Stats() map[string]interface{}
}

// NewDebugHandler builds the handler.
func NewDebugHandler(monitor Monitor, pluginLoader PluginLoader, sessionMgr SessionStats, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		monitor:      monitor,
		pluginLoader: pluginLoader,
		sessionMgr:   sessionMgr,
		logger:       logger,
	}
}

// GetMetrics returns current counters.
// GET /api/v1/debug/metrics
func (h *DebugHandler) GetMetrics(c *gin.Context) {
	stats := h.monitor.GetStats()
	c.JSON(http.StatusOK, stats)
}

// GetDashboard returns the dashboard payload.
// GET /api/v1/debug/dashboard
func (h *DebugHandler) GetDashboard(c *gin.Context) {
	data := h.monitor.GetDashboardData()
	c.JSON(http.StatusOK, data)
}

// GetSessions returns session counts.
// GET /api/v1/debug/sessions
func (h *DebugHandler) GetSessions(c *gin.Context) {
	if h.sessionMgr == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []interface{}{}, "count": 0})
		return
	}
	stats := h.sessionMgr.Stats()
	c.JSON(http.StatusOK, stats)
}

// GetPlugins lists loaded plugins.
// GET /api/v1/debug/plugins
func (h *DebugHandler) GetPlugins(c *gin.Context) {
	if h.pluginLoader == nil {
		c.JSON(http.StatusOK, gin.H{"plugins": []interface{}{}, "count": 0})
		return
	}
	plugins := h.pluginLoader.List()
	c.JSON(http.StatusOK, gin.H{
		"plugins": plugins,
		"count":   len(plugins),
	})
}

// GetRuntime returns Go runtime stats.
// GET /api/v1/debug/runtime
func (h *DebugHandler) GetRuntime(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.JSON(http.StatusOK, gin.H{
		"go_version":    runtime.Version(),
		"num_cpu":       runtime.NumCPU(),
		"num_goroutine": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
			"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
			"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
			"num_gc":         memStats.NumGC,
		},
		"timestamp": time.Now().Unix(),
	})
}

// TriggerGC forces a garbage collection.
// POST /api/v1/debug/gc
func (h *DebugHandler) TriggerGC(c *gin.Context) {
	before := runtime.NumGoroutine()
	runtime.GC()
	after := runtime.NumGoroutine()

	c.JSON(http.StatusOK, gin.H{
		"message":           "GC triggered",
		"goroutines_before": before,
		"goroutines_after":  after,
	})
}

// GetLogs returns recent log entries.
// GET /api/v1/debug/logs
func (h *DebugHandler) GetLogs(c *gin.Context) {
	// needs a log collector; placeholder payload for now
	c.JSON(http.StatusOK, gin.H{
		"message": "Log streaming available via WebSocket at /ws/logs",
		"logs":    []interface{}{},
	})
}

// GetAgentState reports the agent loop state.
// GET /api/v1/debug/agents/:id/state
func (h *DebugHandler) GetAgentState(c *gin.Context) {
	agentID := c.Param("id")

	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"state":    "idle",
		"history":  []interface{}{},
	})
}

// GetToolHistory returns recent tool executions.
// GET /api/v1/debug/tools/history
func (h *DebugHandler) GetToolHistory(c *gin.Context) {

	c.JSON(http.StatusOK, gin.H{
		"history": []interface{}{},
		"count":   0,
	})
}

// RegisterDebugRoutes mounts the debug endpoints.
func RegisterDebugRoutes(router *gin.RouterGroup, handler *DebugHandler) {
	debug := router.Group("/debug")
	{
		debug.GET("/metrics", handler.GetMetrics)
		debug.GET("/dashboard", handler.GetDashboard)
		debug.GET("/sessions", handler.GetSessions)
		debug.GET("/plugins", handler.GetPlugins)
		debug.GET("/runtime", handler.GetRuntime)
		debug.POST("/gc", handler.TriggerGC)
		debug.GET("/logs", handler.GetLogs)
		debug.GET("/agents/:id/state", handler.GetAgentState)
		debug.GET("/tools/history", handler.GetToolHistory)
	}
}
