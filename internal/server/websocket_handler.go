package server

import (
	"net/http"

	"dmsync/internal/services"
	"dmsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub    *Hub
	relay  *Relay
	logger *WebSocketLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *Hub, relay *Relay) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		relay:  relay,
		logger: NewWebSocketLogger(),
	}
}

// Handle upgrades an authenticated request to a WebSocket bound to the
// caller's room.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", userID, "", err)
		return
	}

	client := NewClient(h.hub, h.relay, conn, userID, uuid.New().String(), h.logger)
	h.hub.Register(client)
}
