package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/policy"
)

// ContextKeyActor is the gin context key holding the authenticated policy.Actor.
const ContextKeyActor = "authActor"

// Middleware authenticates the bearer token and stores the actor.
// Requests without a valid token are rejected.
func Middleware(t *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw == "" {
			// Browsers cannot set headers on a websocket upgrade.
			raw = c.Query("access_token")
		}

		actor, err := t.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid bearer token is required.",
			})
			return
		}
		SetActor(c, actor)
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), actor.String()))
		c.Next()
	}
}

// RequireRole rejects actors whose role is not in roles.
func RequireRole(roles ...policy.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Your role may not access this resource.",
		})
	}
}

// SetActor stores actor on the request context.
func SetActor(c *gin.Context, actor policy.Actor) {
	c.Set(ContextKeyActor, actor)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(c *gin.Context) (policy.Actor, bool) {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return policy.Actor{}, false
	}
	actor, ok := v.(policy.Actor)
	return actor, ok
}
