// Package server builds the HTTP surface of paper-sync: the JSON API
// used by the browser UI, the optional MCP endpoint and the static UI.
package server

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/docsync"
	"github.com/alexjbarnes/paper-sync/internal/server/handlers"
	"github.com/alexjbarnes/paper-sync/internal/server/middleware"
)

// Services are the long-lived dependencies shared by the handlers.
type Services struct {
	Session *device.Session
	Syncer  *docsync.Syncer
	History handlers.HistoryLister
	// MCP serves /mcp when non-nil.
	MCP http.Handler
}

// RouteConfig controls how routes are built.
type RouteConfig struct {
	Auth         middleware.TokenAuthConfig
	DocumentRoot string
	LocalDir     string
	DownloadDir  string
	StaticDir    string
	CORSOrigins  []string
	Version      string
	Logger       *slog.Logger
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// SetupRoutes builds the router. Everything under /api and /mcp sits
// behind the token middleware, which is a no-op when no token is set.
func SetupRoutes(svc *Services, cfg *RouteConfig) http.Handler {
	r := gin.New()
	r.MaxMultipartMemory = 32 << 20

	deviceH := handlers.NewDeviceHandler(svc.Session, cfg.DocumentRoot, cfg.DownloadDir, cfg.Logger)
	localH := handlers.NewLocalHandler(cfg.LocalDir)
	syncH := handlers.NewSyncHandler(svc.Syncer, svc.History, cfg.Logger)

	r.Use(middleware.Logger(cfg.Logger))
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Gzip())

	if cfg.StaticDir != "" {
		r.Static("/static", cfg.StaticDir)
		r.GET("/", func(c *gin.Context) {
			c.File(filepath.Join(cfg.StaticDir, "index.html"))
		})
	} else {
		r.GET("/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"name": "paper-sync", "version": cfg.Version})
		})
	}

	auth := middleware.TokenAuth(cfg.Auth, cfg.Logger)

	api := r.Group("/api")
	api.Use(auth)
	{
		dev := api.Group("/device")
		{
			dev.GET("/connect", deviceH.Connect)
			dev.POST("/disconnect", deviceH.Disconnect)
			dev.GET("/info", deviceH.Info)
			dev.GET("/list", deviceH.List)
			dev.POST("/upload", deviceH.Upload)
			dev.POST("/download", deviceH.Download)
			dev.POST("/download-recursive", deviceH.DownloadRecursive)
			dev.DELETE("/delete", deviceH.Delete)
			dev.POST("/folder", deviceH.NewFolder)
			dev.POST("/move", deviceH.Move)
		}

		api.GET("/local/list", localH.List)

		api.POST("/sync", syncH.DownloadAll)
		api.POST("/upload-all", syncH.UploadAll)
		api.POST("/sync-to-device", syncH.Mirror)
		api.POST("/sync/plan", syncH.Plan)
		api.GET("/sync/history", syncH.History)
	}

	if svc.MCP != nil {
		mcpHandler := gin.WrapH(svc.MCP)
		r.GET("/mcp", auth, mcpHandler)
		r.POST("/mcp", auth, mcpHandler)
		r.DELETE("/mcp", auth, mcpHandler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Error: "not found"})
	})

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, handlers.ErrorResponse{Error: "method not allowed"})
	})

	return r.Handler()
}

// NewHTTPServer wraps handler in an http.Server with conservative
// timeouts. The write timeout is generous because a sync runs inside a
// single request.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      60 * time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
