package middleware

import (
	"context"

	"github.com/peterohwofasa/chainproof-ai-sub001/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestID middleware generates a unique request ID for each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check if request ID already exists in header
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Set request ID in response header
		c.Header("X-Request-ID", requestID)

		// Store in gin context
		c.Set("request_id", requestID)

		// Add to request context for logger
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetRequestID gets the request ID from gin context
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		return requestID.(string)
	}
	return ""
}

// AuditContext copies the :id route param into the request context so every
// log line emitted while serving an audit route carries the audit id.
func AuditContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auditID := c.Param("id"); auditID != "" {
			ctx := context.WithValue(c.Request.Context(), logger.AuditIDKey, auditID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}
