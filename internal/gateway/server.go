// Package gateway assembles the HTTP surface: the WebSocket transcript
// endpoint served by the hub plus REST endpoints for CLI status, project
// preferences, and request lookups.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/common/httpmw"
	"github.com/vrabby/vrabby/internal/common/logger"
	"github.com/vrabby/vrabby/internal/hub"
	"github.com/vrabby/vrabby/internal/project"
	"github.com/vrabby/vrabby/internal/tracker"
)

// Deps carries everything the gateway serves.
type Deps struct {
	Log      *logger.Logger
	Hub      *hub.Hub
	Registry *agent.Registry
	Projects project.Store
	Tracker  *tracker.Tracker
}

// Server owns the gin router. The caller owns the http.Server wrapping it,
// so shutdown order stays visible in one place.
type Server struct {
	hub      *hub.Hub
	registry *agent.Registry
	projects project.Store
	tracker  *tracker.Tracker
	logger   *logger.Logger
	router   *gin.Engine
}

// New builds the router with middleware and every route installed.
func New(deps Deps) *Server {
	s := &Server{
		hub:      deps.Hub,
		registry: deps.Registry,
		projects: deps.Projects,
		tracker:  deps.Tracker,
		logger:   deps.Log.WithFields(zap.String("component", "gateway")),
		router:   gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())
	s.router.Use(httpmw.RequestLogger(deps.Log, "gateway"))
	s.router.Use(httpmw.OtelTracing("vrabby"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Primary realtime transport.
	s.router.GET("/ws/:project_id", s.hub.HandleConnection)

	api := s.router.Group("/api/v1")
	{
		api.GET("/projects/:id/cli-status", s.handleCLIStatus)
		api.GET("/projects/:id/cli-status/:agent", s.handleAgentStatus)
		api.GET("/projects/:id/cli-preference", s.handleGetPreference)
		api.POST("/projects/:id/cli-preference", s.handleSetPreference)
		api.POST("/projects/:id/model-preference", s.handleSetModelPreference)
		api.GET("/requests/:id", s.handleGetRequest)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "vrabby",
		"mode":    "websocket+http",
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
