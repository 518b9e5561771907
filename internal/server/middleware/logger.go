package middleware

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
)

// Logger writes one access log line per request under the "http" group.
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return slogGin.NewWithConfig(logger.WithGroup("http"), slogGin.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	})
}
