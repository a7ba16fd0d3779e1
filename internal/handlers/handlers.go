package handlers

import (
	"net/http"

	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler 实时通知与变更房间
type WebSocketHandler struct {
	wsHub *services.WebSocketHub
}

func NewWebSocketHandler(wsHub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{
		wsHub: wsHub,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	h.wsHub.HandleWebSocket(c)
}

func (h *WebSocketHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"connected_clients": h.wsHub.GetClientCount(),
			"status":            "running",
		},
	})
}
