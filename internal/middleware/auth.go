package middleware

import (
	"net/http"
	"strings"
	"time"

	"changedesk/internal/config"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 校验 Bearer HS256 令牌，并把操作人写入 gin context：
// user_id、org_id、roles 以及展开后的 permissions。
// 浏览器的 WebSocket 握手无法带 header，升级请求可用 ?access_token= 传令牌。
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	var secret string
	var rbac map[string][]string
	if cfg != nil {
		secret = cfg.JWT.Secret
		if cfg.Security.RBAC.Enabled {
			rbac = cfg.Security.RBAC.Roles
			if rbac == nil {
				rbac = map[string][]string{}
			}
		}
	}
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if secret == "" {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", "token verification is not configured")
			return
		}
		tok, err := ParseHS256(raw, secret, time.Now())
		if err != nil {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		userID := tok.Subject()
		if userID == "" {
			abortProblem(c, http.StatusUnauthorized, "unauthorized", "token has no subject")
			return
		}

		c.Set("user_id", userID)
		if org := tok.OrgID(); org != "" {
			c.Set("org_id", org)
		}
		if roles := tok.Roles(); len(roles) > 0 {
			c.Set("roles", roles)
		}
		if grants := tok.Grants(rbac); len(grants) > 0 {
			c.Set("permissions", []string(grants))
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if ah := c.GetHeader("Authorization"); len(ah) > 7 && strings.EqualFold(ah[:7], "bearer ") {
		return strings.TrimSpace(ah[7:])
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return c.Query("access_token")
	}
	return ""
}
