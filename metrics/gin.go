package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware 记录 HTTP RED 指标，route 使用 gin 的路由模板
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = UnknownRoute
		}
		m.Observe(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
