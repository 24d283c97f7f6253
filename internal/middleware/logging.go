package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kunalverma25/chatmeter/internal/logging"
)

// RequestLogger middleware logs request details through the shared logger
func RequestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.LogHTTPRequest(
			c.Request.Method,
			path,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}
