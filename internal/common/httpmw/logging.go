package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
)

// RequestLogger logs each request after its handler returns. The actor and
// tenant headers are included when present so request logs correlate with the
// workflow audit trail. Server errors log at error level, everything else at
// debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	log = log.WithFields(zap.String("server", serverName))
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if actor := c.GetHeader("X-Actor-Id"); actor != "" {
			fields = append(fields, zap.String("actor_id", actor))
		}
		if tenantID := c.GetHeader("X-Tenant-Id"); tenantID != "" {
			fields = append(fields, zap.String("tenant_id", tenantID))
		}

		if status >= 500 {
			log.Error("http", fields...)
			return
		}
		log.Debug("http", fields...)
	}
}
