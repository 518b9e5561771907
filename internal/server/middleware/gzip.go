package middleware

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

var (
	// The MCP endpoint streams server-sent events, which must not be
	// buffered by the compressor.
	excludedPaths = []string{
		"/mcp",
	}
	excludedExtensions = []string{
		".pdf", ".png", ".jpg", ".jpeg", ".gif", ".zip",
	}
)

// Gzip compresses JSON responses and static assets.
func Gzip() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths(excludedPaths),
		gzip.WithExcludedExtensions(excludedExtensions),
	)
}
