package middleware

import (
	"dmsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler logs errors attached by handlers. Handlers write their own
// response bodies.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || l == nil {
			return
		}

		for _, e := range c.Errors {
			l.WithContext(c.Request.Context()).Error("request error",
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()),
				zap.Error(e.Err),
			)
		}

		if !c.Writer.Written() {
			c.AbortWithStatus(c.Writer.Status())
		}
	}
}
