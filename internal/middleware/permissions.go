package middleware

import (
	"net/http"
	"strings"

	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
)

// 权限点
const (
	PermChangesRead        = "changes.read"
	PermChangesWrite       = "changes.write"
	PermNotificationsRead  = "notifications.read"
	PermNotificationsWrite = "notifications.write"
	PermSchedulerAdmin     = "scheduler.admin"
)

// DefaultRolePermissions 变更角色的内置权限，security.rbac 未启用时生效
var DefaultRolePermissions = map[services.ChangeRole][]string{
	services.RoleOwner:   {"*"},
	services.RoleAdmin:   {"*"},
	services.RoleManager: {"changes.*", "notifications.*"},
	services.RoleMember:  {PermChangesRead, PermChangesWrite, "notifications.*"},
}

// Grants 调用者持有的权限点
type Grants []string

// Allows "*" 放行一切，"changes.*" 覆盖 changes 下的全部权限点
func (g Grants) Allows(perm string) bool {
	for _, p := range g {
		if p == "*" || p == perm {
			return true
		}
		if ns, ok := strings.CutSuffix(p, ".*"); ok && ns != "" && strings.HasPrefix(perm, ns+".") {
			return true
		}
	}
	return false
}

// Grants 令牌自带权限加上角色展开的权限，去重保序；rbac 为 nil 时用内置映射
func (t *Token) Grants(rbac map[string][]string) Grants {
	var out Grants
	seen := map[string]bool{}
	add := func(perms []string) {
		for _, p := range perms {
			if p = strings.TrimSpace(p); p != "" && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	add(t.Permissions())
	for _, role := range t.Roles() {
		if rbac != nil {
			add(rbac[role])
		} else {
			add(DefaultRolePermissions[services.ChangeRole(role)])
		}
	}
	return out
}

// RequirePermission 缺少 perm 时以 403 problem 中止
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Grants(c.GetStringSlice("permissions")).Allows(perm) {
			c.Next()
			return
		}
		abortProblem(c, http.StatusForbidden, "authorization_error", "missing permission "+perm)
	}
}
