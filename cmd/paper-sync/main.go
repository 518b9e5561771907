package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/paper-sync/internal/config"
	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/docsync"
	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
	"github.com/alexjbarnes/paper-sync/internal/logging"
	"github.com/alexjbarnes/paper-sync/internal/mcpserver"
	"github.com/alexjbarnes/paper-sync/internal/server"
	"github.com/alexjbarnes/paper-sync/internal/server/middleware"
	"github.com/alexjbarnes/paper-sync/internal/state"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("paper-sync starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("device", cfg.DeviceAddr),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("api_token", cfg.APIToken != ""),
	)

	appState, err := state.LoadAt(cfg.StatePath, cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	session := device.NewSession(newDialer(cfg, appState, logger), logger)
	session.OnConnect(func(c *device.Client) {
		if err := appState.SetDeviceCredentials(c.BaseURL(), c.Credentials()); err != nil {
			logger.Warn("failed to cache device credentials", slog.String("error", err.Error()))
		}
	})

	syncer, err := docsync.NewSyncer(
		docsync.SessionSource(session),
		docsync.NewPathMapper(cfg.DocumentRoot),
		cfg.SyncPattern,
		appState,
		logger,
	)
	if err != nil {
		return fmt.Errorf("creating syncer: %w", err)
	}

	svc := &server.Services{
		Session: session,
		Syncer:  syncer,
		History: appState,
	}

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "paper-sync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, session, syncer)

		svc.MCP = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	handler := server.SetupRoutes(svc, &server.RouteConfig{
		Auth:         middleware.TokenAuthConfig{Token: cfg.APIToken},
		DocumentRoot: cfg.DocumentRoot,
		LocalDir:     cfg.LocalDir,
		DownloadDir:  cfg.DownloadDir,
		StaticDir:    cfg.StaticDir,
		CORSOrigins:  cfg.CORSOrigins,
		Version:      Version,
		Logger:       logger,
	})

	srv := server.NewHTTPServer(cfg.ListenAddr, handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newDialer builds clients from the configured credential, falling back
// to the one cached for the same address by the last successful connect.
func newDialer(cfg *config.Config, appState *state.State, logger *slog.Logger) device.Dialer {
	httpClient := device.NewHTTPClient(cfg.DeviceInsecureTLS)

	return func(ctx context.Context) (*device.Client, error) {
		creds := cfg.DeviceCredentials

		if creds == "" {
			if addr, cached := appState.DeviceCredentials(); addr == strings.TrimRight(cfg.DeviceAddr, "/") {
				creds = cached
			}
		}

		if creds == "" {
			return nil, apperrors.ErrNoCredentials
		}

		logger.Debug("dialing device",
			slog.String("addr", cfg.DeviceAddr),
			slog.String("client_id", cfg.DeviceClientID),
		)

		return device.StaticDialer(cfg.DeviceAddr, creds, httpClient, logger)(ctx)
	}
}
