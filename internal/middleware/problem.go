package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"
)

const problemContentType = "application/problem+json"

// abortProblem 以 RFC 7807 problem 文档中止请求
func abortProblem(c *gin.Context, status int, problemType, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Request.URL.Path).
		WithType(problemType).
		WithDetail(detail)
	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(status, p)
}
