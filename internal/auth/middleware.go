package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mwalcott/unibazaar/internal/users"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated API key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key for the authenticated role.
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the API key from the request.
// Sets authUserID and authRole in the gin context when valid. A matching
// X-Admin-Secret header authenticates as the bootstrap admin actor instead.
// A key held by a deactivated user authenticates nothing.
func Middleware(m *Manager, userStore users.Store, adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret != "" && c.GetHeader("X-Admin-Secret") == adminSecret {
			c.Set(ContextKeyUserID, SystemActor)
			c.Set(ContextKeyRole, string(users.RoleAdmin))
			c.Next()
			return
		}

		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}
		if rawKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), rawKey)
			if err == nil && userIsActive(c, userStore, key.UserID) {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				c.Set(ContextKeyRole, string(key.Role))
			}
		}

		c.Next()
	}
}

func userIsActive(c *gin.Context, store users.Store, userID string) bool {
	if store == nil {
		return true
	}
	u, err := store.Get(c.Request.Context(), userID)
	if err != nil {
		return false
	}
	return u.Active
}

// RequireAuth rejects requests without valid auth.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose actor the policy does not accept.
func RequireAdmin(policy AdminPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.GetString(ContextKeyUserID)
		if actorID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		ok, err := policy.IsAdmin(c.Request.Context(), actorID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Authorization check failed",
			})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin privileges required.",
			})
			return
		}
		c.Next()
	}
}

// ActorID returns the authenticated user ID from the gin context.
func ActorID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// ActorRole returns the authenticated role from the gin context.
func ActorRole(c *gin.Context) string {
	return c.GetString(ContextKeyRole)
}
