package middleware

import (
	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/szsip239/rtmux/internal/pkg/response"
)

// RequirePermission returns a middleware that checks a specific Casbin
// permission, used as a per-route guard rather than a global middleware. The
// request is mapped to the Casbin model as:
//
//	sub = user role (set by JWTAuth, e.g. "OPERATOR")
//	dom = "*" (peer management has no department-style scoping)
//	obj = resource (e.g. "peers")
//	act = action (e.g. "manage")
func RequirePermission(enforcer *casbin.Enforcer, obj, act string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetUserRole(c)
		if role == "" {
			response.Unauthorized(c, "missing user role")
			c.Abort()
			return
		}

		// Admin bypasses all permission checks.
		if role == "ADMIN" {
			c.Next()
			return
		}

		ok, err := enforcer.Enforce(role, "*", obj, act)
		if err != nil {
			response.InternalError(c, "permission check failed")
			c.Abort()
			return
		}
		if !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}

		c.Next()
	}
}
