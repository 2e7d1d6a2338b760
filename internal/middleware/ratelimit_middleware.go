package middleware

import (
	"net/http"
	"strconv"

	"dmsync/internal/redis"
	"dmsync/internal/services"
	"dmsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebSocketRateLimitMiddleware bounds how often one user may open
// connections. Apply after AuthMiddleware. A limiter outage lets the
// request through.
func WebSocketRateLimitMiddleware(limiter *redis.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := services.UserIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		result, err := limiter.AllowConnection(c.Request.Context(), userID)
		if err != nil {
			zap.L().Warn("connection limiter unavailable", zap.String("user_id", userID), zap.Error(err))
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("connection rate limit exceeded", "RATE_LIMITED"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
