package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireSharedSecret 校验外部定时器携带的 Bearer 共享密钥。
// 未配置密钥时端点不可用（503），避免空密钥放行。
func RequireSharedSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			abortProblem(c, http.StatusServiceUnavailable, "not_configured", "cron secret is not configured")
			return
		}
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", "missing bearer secret")
			return
		}
		got := []byte(strings.TrimSpace(ah[len("Bearer "):]))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", "invalid cron secret")
			return
		}
		c.Next()
	}
}
