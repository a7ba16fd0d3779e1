package handlers

import (
	"context"
	"net/http"

	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ScanRunner 由 services.AutomationRunner 实现
type ScanRunner interface {
	RunOnce(ctx context.Context, trigger string) (*services.ScanResult, error)
	LastResult() *services.ScanResult
}

// AutomationHandler 变更自动化扫描：外部定时器触发与管理端查询
type AutomationHandler struct {
	runner ScanRunner
	logger *logrus.Logger
}

func NewAutomationHandler(runner ScanRunner, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{runner: runner, logger: logger}
}

type scanResponse struct {
	Success bool `json:"success"`
	*services.ScanResult
}

// TriggerScan POST /api/cron/change-automation
// 单个变更的失败记录在 automation 行上，只有扫描本身失败才返回 500
func (h *AutomationHandler) TriggerScan(c *gin.Context) {
	h.scan(c, "http")
}

// ManualScan POST /api/admin/scheduler/scan
func (h *AutomationHandler) ManualScan(c *gin.Context) {
	h.scan(c, "manual")
}

func (h *AutomationHandler) scan(c *gin.Context, trigger string) {
	res, err := h.runner.RunOnce(c.Request.Context(), trigger)
	if err != nil {
		h.logger.WithError(err).WithField("trigger", trigger).Error("change automation scan failed")
		writeProblem(c, http.StatusInternalServerError, string(services.KindInternal), "change automation scan failed")
		return
	}
	c.JSON(http.StatusOK, scanResponse{Success: true, ScanResult: res})
}

// LastScan GET /api/admin/scheduler
func (h *AutomationHandler) LastScan(c *gin.Context) {
	last := h.runner.LastResult()
	if last == nil {
		c.JSON(http.StatusOK, gin.H{"last_scan": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_scan": last})
}
