package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const userIDKey = "userID"

// requireUser extracts the authenticated user from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email
// (oauth2-proxy) > X-Remote-User (kube-rbac-proxy). Requests with no
// identity are rejected.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := extractUser(c.Request)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func extractUser(r *http.Request) string {
	if user := r.Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := r.Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return r.Header.Get("X-Remote-User")
}

// currentUser returns the user id set by requireUser.
func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}
