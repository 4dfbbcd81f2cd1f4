package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"listmail/backend/internal/monitoring"
)

// HTTPMetrics 记录请求数、耗时与大小；未匹配路由统一记为 "unmatched"
func HTTPMetrics(metrics *monitoring.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestSize := c.Request.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		responseSize := int64(c.Writer.Size())
		if responseSize < 0 {
			responseSize = 0
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(
			c.Request.Method,
			endpoint,
			strconv.Itoa(status),
			time.Since(start),
			requestSize,
			responseSize,
		)
		if status >= 500 {
			metrics.RecordError("http_error", "http")
		}
	}
}
