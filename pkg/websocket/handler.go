package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/swiftride/dispatch/pkg/logger"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens at the edge proxy
		return true
	},
}

// HandleWebSocket upgrades the connection and registers the client
// with the hub. Identity arrives pre-authenticated from the edge: the
// X-User-ID header, or a user_id query parameter for dev tooling.
func HandleWebSocket(c *gin.Context, hub *Hub, role string) {
	userIDValue := c.GetHeader("X-User-ID")
	if userIDValue == "" {
		userIDValue = c.Query("user_id")
	}

	userID, err := uuid.Parse(userIDValue)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}

	client := NewClient(userID.String(), conn, hub, role)

	hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
