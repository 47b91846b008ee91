package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// userIDKey is the gin context key the identity middleware fills.
const userIDKey = "user_id"

// defaultUserID attributes unauthenticated callers. Token verification is
// a deployment concern handled in front of this service.
const defaultUserID = "default"

// userIdentity resolves the caller from the X-User-ID header.
func userIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			userID = defaultUserID
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// currentUser returns the resolved caller identity.
func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// corsMiddleware allows cross-origin HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-User-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
