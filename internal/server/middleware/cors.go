package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS lets the browser UI call the API from the listed origins, as it
// does during development. Requests carrying any other Origin are
// refused with 403 before they reach a handler; same-host requests
// always pass.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Authorization",
			"Mcp-Session-Id",
			"Mcp-Protocol-Version",
		},
		ExposeHeaders: []string{"Mcp-Session-Id"},
		MaxAge:        12 * time.Hour,
	}

	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return false }
	}

	return cors.New(cfg)
}
