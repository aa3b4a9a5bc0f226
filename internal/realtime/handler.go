package realtime

import (
	"github.com/gin-gonic/gin"

	"github.com/swiftride/dispatch/pkg/websocket"
)

// Handler exposes the WebSocket endpoints
type Handler struct {
	hub *websocket.Hub
}

// NewHandler creates a new realtime handler
func NewHandler(hub *websocket.Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers WebSocket routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	ws := router.Group("/ws")
	{
		ws.GET("/driver", h.DriverSocket)
		ws.GET("/passenger", h.PassengerSocket)
	}
}

// DriverSocket upgrades a driver session
func (h *Handler) DriverSocket(c *gin.Context) {
	websocket.HandleWebSocket(c, h.hub, websocket.RoleDriver)
}

// PassengerSocket upgrades a passenger session
func (h *Handler) PassengerSocket(c *gin.Context) {
	websocket.HandleWebSocket(c, h.hub, websocket.RolePassenger)
}
