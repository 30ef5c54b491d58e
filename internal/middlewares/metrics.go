package middlewares

import (
	"strconv"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// Metrics 按路由模板记录请求耗时，未匹配的路由统一记为 unmatched
func Metrics(m *metrics.UploadMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(route, strconv.Itoa(c.Writer.Status()), start)
	}
}
