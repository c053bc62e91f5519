package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/events/bus"
)

// Gateway bundles the hub and its HTTP handler.
type Gateway struct {
	Hub     *Hub
	Handler *Handler
	logger  *logger.Logger
}

// NewGateway creates a gateway fanning the given bus out to clients.
func NewGateway(eventBus bus.EventBus, log *logger.Logger) *Gateway {
	hub := NewHub(eventBus, log)
	return &Gateway{
		Hub:     hub,
		Handler: NewHandler(hub, log),
		logger:  log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws/workspaces/:workspaceId", g.Handler.HandleConnection)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "msfailab"})
	})
}
