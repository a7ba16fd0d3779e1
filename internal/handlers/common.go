package handlers

import (
	"net/http"
	"strconv"

	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"
	"github.com/sirupsen/logrus"
)

const problemContentType = "application/problem+json"

// conflictRetryAfter 并发冲突时建议客户端重新读取后重试的秒数
const conflictRetryAfter = 1

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

func newPaginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

func writeProblem(c *gin.Context, status int, problemType, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Request.URL.Path).
		WithType(problemType).
		WithDetail(detail)
	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(status, p)
}

func badRequest(c *gin.Context, detail string) {
	writeProblem(c, http.StatusBadRequest, string(services.KindValidation), detail)
}

// handleServiceError 按错误分类映射 HTTP 状态；内部错误不暴露细节
func handleServiceError(c *gin.Context, logger *logrus.Logger, err error) {
	switch services.KindOf(err) {
	case services.KindValidation:
		writeProblem(c, http.StatusBadRequest, string(services.KindValidation), services.SafeMessage(err))
	case services.KindAuthorization:
		writeProblem(c, http.StatusForbidden, string(services.KindAuthorization), services.SafeMessage(err))
	case services.KindNotFound:
		writeProblem(c, http.StatusNotFound, string(services.KindNotFound), services.SafeMessage(err))
	case services.KindConflict:
		c.Header("Retry-After", strconv.Itoa(conflictRetryAfter))
		writeProblem(c, http.StatusConflict, string(services.KindConflict), services.SafeMessage(err))
	default:
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
		writeProblem(c, http.StatusInternalServerError, string(services.KindInternal), "internal error")
	}
}

// actorFrom 由认证中间件写入的 user_id / roles 构造操作者
func actorFrom(c *gin.Context) services.Actor {
	return services.Actor{
		UserID: c.GetString("user_id"),
		Role:   services.HighestRole(c.GetStringSlice("roles")),
		OrgID:  c.GetString("org_id"),
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
