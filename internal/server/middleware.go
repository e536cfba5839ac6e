package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teemow/inboxsync/internal/instrumentation"
)

// unmatchedRoute labels requests that hit no route, keeping the path
// label bounded.
const unmatchedRoute = "unmatched"

// requestMetrics records http_requests_total and the request duration
// labelled by route template.
func requestMetrics(m *instrumentation.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		m.RecordHTTPRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
