package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationHandler 站内通知
type NotificationHandler struct {
	store  *services.StoreNotifier
	logger *logrus.Logger
}

func NewNotificationHandler(store *services.StoreNotifier, logger *logrus.Logger) *NotificationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NotificationHandler{store: store, logger: logger}
}

// List GET /api/notifications?unread=true&limit=20
func (h *NotificationHandler) List(c *gin.Context) {
	unread, _ := strconv.ParseBool(c.Query("unread"))
	rows, err := h.store.ListForUser(c.Request.Context(), c.GetString("user_id"), unread, queryInt(c, "limit", 50))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

// MarkRead POST /api/notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		badRequest(c, "invalid notification id")
		return
	}
	if err := h.store.MarkRead(c.Request.Context(), c.GetString("user_id"), uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeProblem(c, http.StatusNotFound, string(services.KindNotFound), "notification not found")
			return
		}
		handleServiceError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
