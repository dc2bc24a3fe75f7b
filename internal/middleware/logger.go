package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/rentdesk/pkg/logger"
)

// CacheHeader reports how the edge served a proxied response.
const CacheHeader = "X-Edge-Cache"

// Logger writes a concise structured access log for each request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if served := c.Writer.Header().Get(CacheHeader); served != "" {
			fields = append(fields, zap.String("cache", served))
		}

		logger.WithModule("http").Info("request", fields...)
	}
}
