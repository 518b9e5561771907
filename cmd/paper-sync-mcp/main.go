// Command paper-sync-mcp serves the device and sync tools over stdio for
// agents that launch MCP servers as subprocesses. It shares config and
// state with paper-sync.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/paper-sync/internal/config"
	"github.com/alexjbarnes/paper-sync/internal/device"
	"github.com/alexjbarnes/paper-sync/internal/docsync"
	"github.com/alexjbarnes/paper-sync/internal/logging"
	"github.com/alexjbarnes/paper-sync/internal/mcpserver"
	"github.com/alexjbarnes/paper-sync/internal/state"
)

var Version = "dev"

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

	// stdout carries the protocol.
	logger := logging.NewLoggerTo(cfg.Environment, os.Stderr)

	appState, err := state.LoadAt(cfg.StatePath, cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	creds := cfg.DeviceCredentials
	if creds == "" {
		if addr, cached := appState.DeviceCredentials(); addr == strings.TrimRight(cfg.DeviceAddr, "/") {
			creds = cached
		}
	}

	session := device.NewSession(
		device.StaticDialer(cfg.DeviceAddr, creds, device.NewHTTPClient(cfg.DeviceInsecureTLS), logger),
		logger,
	)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect eagerly so tools work without a device_connect call. A
	// device that is asleep can still be connected later through the tool.
	if _, err := session.Connect(ctx); err != nil {
		logger.Warn("device not reachable at startup", slog.String("error", err.Error()))
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "paper-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(server, session, syncer)

	logger.Info("serving MCP over stdio", slog.String("version", Version))

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server: %w", err)
	}

	return nil
}
