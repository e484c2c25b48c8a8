package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/common/logger"
)

// RequestLogger logs each request after its handler returns. WebSocket
// upgrades hijack the connection and their handler runs for the whole
// session, so those entries appear at disconnect with the session duration.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		upgrade := websocket.IsWebSocketUpgrade(c.Request)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
		}
		switch {
		case status >= 500:
			log.Error("http", fields...)
		case upgrade:
			log.Debug("websocket session ended", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
