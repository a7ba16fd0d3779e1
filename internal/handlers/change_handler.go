package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"changedesk/internal/middleware"
	"changedesk/internal/models"
	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ChangeHandler 变更的 CRUD 与生命周期操作
type ChangeHandler struct {
	service *services.ChangeService
	logger  *logrus.Logger
}

func NewChangeHandler(service *services.ChangeService, logger *logrus.Logger) *ChangeHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChangeHandler{service: service, logger: logger}
}

// ChangeListQuery 列表查询参数
type ChangeListQuery struct {
	Status      []string `form:"status" binding:"omitempty,dive,changestatus"`
	AssignedTo  string   `form:"assigned_to"`
	RequestedBy string   `form:"requested_by"`
	Page        int      `form:"page" binding:"omitempty,min=1"`
	PageSize    int      `form:"page_size" binding:"omitempty,min=1,max=100"`
}

type commentsBody struct {
	Comments string `json:"comments" binding:"max=2000"`
}

type reasonBody struct {
	Reason string `json:"reason" binding:"max=2000"`
}

type transitionBody struct {
	Status string `json:"status" binding:"required,changestatus"`
	Reason string `json:"reason" binding:"max=2000"`
}

// CreateChange POST /api/changes
func (h *ChangeHandler) CreateChange(c *gin.Context) {
	var req services.ChangeCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, bindingDetail(err))
		return
	}
	change, err := h.service.CreateChange(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, change)
}

// ListChanges GET /api/changes?status=approved&status=in_progress
func (h *ChangeHandler) ListChanges(c *gin.Context) {
	var q ChangeListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, bindingDetail(err))
		return
	}
	filter := services.ChangeFilter{
		AssignedTo:     q.AssignedTo,
		RequestedBy:    q.RequestedBy,
		OrganizationID: c.GetString("org_id"),
		Page:           q.Page,
		PageSize:       q.PageSize,
	}
	for _, s := range q.Status {
		filter.Statuses = append(filter.Statuses, models.ChangeStatus(s))
	}
	changes, total, err := h.service.ListChanges(c.Request.Context(), filter)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	page, size := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	c.JSON(http.StatusOK, newPaginated(changes, total, page, size))
}

// GetChange GET /api/changes/:id
func (h *ChangeHandler) GetChange(c *gin.Context) {
	change, err := h.service.GetChange(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

// UpdateChange PATCH /api/changes/:id；未知字段直接拒绝
func (h *ChangeHandler) UpdateChange(c *gin.Context) {
	var req services.ChangeUpdateRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			badRequest(c, "request body is required")
			return
		}
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	change, err := h.service.UpdateChange(c.Request.Context(), c.Param("id"), actorFrom(c), &req)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

// 空 body 视为未提供可选字段
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}

func (h *ChangeHandler) SubmitChange(c *gin.Context) {
	h.respond(c)(h.service.SubmitChange(c.Request.Context(), c.Param("id"), actorFrom(c)))
}

func (h *ChangeHandler) ApproveChange(c *gin.Context) {
	var body commentsBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, bindingDetail(err))
		return
	}
	h.respond(c)(h.service.ApproveChange(c.Request.Context(), c.Param("id"), actorFrom(c), body.Comments))
}

func (h *ChangeHandler) RejectChange(c *gin.Context) {
	var body commentsBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, bindingDetail(err))
		return
	}
	h.respond(c)(h.service.RejectChange(c.Request.Context(), c.Param("id"), actorFrom(c), body.Comments))
}

func (h *ChangeHandler) CancelChange(c *gin.Context) {
	var body reasonBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, bindingDetail(err))
		return
	}
	h.respond(c)(h.service.CancelChange(c.Request.Context(), c.Param("id"), actorFrom(c), body.Reason))
}

func (h *ChangeHandler) StartChange(c *gin.Context) {
	h.respond(c)(h.service.StartChange(c.Request.Context(), c.Param("id"), actorFrom(c)))
}

func (h *ChangeHandler) CompleteChange(c *gin.Context) {
	h.respond(c)(h.service.CompleteChange(c.Request.Context(), c.Param("id"), actorFrom(c)))
}

func (h *ChangeHandler) FailChange(c *gin.Context) {
	var body reasonBody
	if err := bindOptionalJSON(c, &body); err != nil {
		badRequest(c, bindingDetail(err))
		return
	}
	h.respond(c)(h.service.FailChange(c.Request.Context(), c.Param("id"), actorFrom(c), body.Reason))
}

// TransitionChange POST /api/changes/:id/transition {"status": "...", "reason": "..."}
func (h *ChangeHandler) TransitionChange(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, bindingDetail(err))
		return
	}
	h.respond(c)(h.service.TransitionChange(c.Request.Context(), c.Param("id"), models.ChangeStatus(body.Status), actorFrom(c), body.Reason))
}

func (h *ChangeHandler) respond(c *gin.Context) func(*models.Change, error) {
	return func(change *models.Change, err error) {
		if err != nil {
			handleServiceError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, change)
	}
}

// ListHistory GET /api/changes/:id/history
func (h *ChangeHandler) ListHistory(c *gin.Context) {
	rows, err := h.service.ListHistory(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

// ListAutomations GET /api/changes/:id/automations?executed=false
func (h *ChangeHandler) ListAutomations(c *gin.Context) {
	var executed *bool
	if v := c.Query("executed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "executed must be a boolean")
			return
		}
		executed = &b
	}
	rows, err := h.service.ListAutomations(c.Request.Context(), c.Param("id"), actorFrom(c), executed)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

// ListCompletionPrompts GET /api/changes/completion-prompts
func (h *ChangeHandler) ListCompletionPrompts(c *gin.Context) {
	rows, err := h.service.ListCompletionPrompts(c.Request.Context(), actorFrom(c))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "count": len(rows)})
}

// RegisterChangeRoutes 注册变更路由；r 应已挂载认证中间件
func RegisterChangeRoutes(r *gin.RouterGroup, h *ChangeHandler, authz func(perm string) gin.HandlerFunc) {
	read, write := authz(middleware.PermChangesRead), authz(middleware.PermChangesWrite)
	changes := r.Group("/changes")
	{
		changes.GET("", read, h.ListChanges)
		changes.POST("", write, h.CreateChange)
		changes.GET("/completion-prompts", read, h.ListCompletionPrompts)
		changes.GET("/:id", read, h.GetChange)
		changes.PATCH("/:id", write, h.UpdateChange)
		changes.GET("/:id/history", read, h.ListHistory)
		changes.GET("/:id/automations", read, h.ListAutomations)

		changes.POST("/:id/submit", write, h.SubmitChange)
		changes.POST("/:id/approve", write, h.ApproveChange)
		changes.POST("/:id/reject", write, h.RejectChange)
		changes.POST("/:id/cancel", write, h.CancelChange)
		changes.POST("/:id/start", write, h.StartChange)
		changes.POST("/:id/complete", write, h.CompleteChange)
		changes.POST("/:id/fail", write, h.FailChange)
		changes.POST("/:id/transition", write, h.TransitionChange)
	}
}
