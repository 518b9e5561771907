package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenAuthConfig contains the configuration for token authentication.
type TokenAuthConfig struct {
	// Token is the expected bearer token. Empty disables authentication.
	Token string
}

const (
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken = `Bearer realm="paper-sync"`
	wwwAuthInvalid = `Bearer realm="paper-sync", error="invalid_token"`
)

// TokenAuth returns middleware that requires "Authorization: Bearer
// <token>" on every request when a token is configured.
func TokenAuth(config TokenAuthConfig, logger *slog.Logger) gin.HandlerFunc {
	if config.Token == "" {
		logger.Info("api auth disabled")

		return func(c *gin.Context) {
			c.Next()
		}
	}

	logger.Info("api auth enabled")

	expected := []byte(config.Token)

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			logger.Debug("auth: no bearer token",
				slog.String("ip", c.ClientIP()),
				slog.String("path", c.Request.URL.Path),
			)
			c.Header("WWW-Authenticate", wwwAuthNoToken)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})

			return
		}

		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			logger.Debug("auth: invalid bearer token",
				slog.String("ip", c.ClientIP()),
				slog.String("path", c.Request.URL.Path),
			)
			c.Header("WWW-Authenticate", wwwAuthInvalid)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})

			return
		}

		c.Next()
	}
}
