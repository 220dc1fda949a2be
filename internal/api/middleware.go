// Package api contains the HTTP handlers and routing for the billing service.
package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const clientIDKey = "client_id"

// CORSMiddleware handles Cross-Origin Resource Sharing.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Requested-With, X-Client-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ClientIdentityMiddleware extracts the authenticated client id set by the
// edge gateway. The service trusts the X-Client-ID header because it is
// only reachable through the platform's authenticating proxy.
func ClientIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("X-Client-ID"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				c.Set(clientIDKey, id)
			}
		}
		c.Next()
	}
}

// ClientIDFromContext returns the authenticated client id, or 0 when the
// request carried none.
func ClientIDFromContext(c *gin.Context) int64 {
	if v, ok := c.Get(clientIDKey); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
