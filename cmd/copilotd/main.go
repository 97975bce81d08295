// Copilotd is the tenant resource lifecycle daemon for the chat copilot
// service.
//
// It owns the in-memory cache of per-tenant agent runtimes, lazily
// provisioning each tenant's Qdrant collection and runtime on first use,
// and evicting idle runtimes on a background sweep. Configuration is loaded
// from environment variables, optionally overridden by a YAML file.
//
// Usage:
//
//	# Start with defaults
//	copilotd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=8180 QDRANT_ENDPOINT=http://localhost:6333 copilotd
//
//	# Load a config file first
//	copilotd -config /etc/copilotd/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/randallgann/chat-copilot/internal/config"
	"github.com/randallgann/chat-copilot/internal/configstore"
	httpserver "github.com/randallgann/chat-copilot/internal/http"
	"github.com/randallgann/chat-copilot/internal/logging"
	"github.com/randallgann/chat-copilot/internal/qdrant"
	"github.com/randallgann/chat-copilot/internal/resource"
	"github.com/randallgann/chat-copilot/internal/runtime"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  copilotd           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  copilotd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("copilotd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires all dependencies and blocks until ctx is canceled:
//
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Open the tenant config store (SQLite)
//  4. Create the Qdrant gateway
//  5. Build the runtime factory and resource manager
//  6. Start the eviction sweeper and HTTP server
//  7. Graceful shutdown on cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, "copilotd")
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logging.Sync(logger) //nolint:errcheck

	store, err := configstore.New(cfg.ConfigStore.Path)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	defer store.Close()

	gateway, err := qdrant.NewClient(qdrant.Config{
		Endpoint:   cfg.Qdrant.Endpoint,
		APIKey:     cfg.Qdrant.APIKey,
		VectorSize: cfg.Qdrant.VectorSize,
		Timeout:    cfg.Qdrant.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("create qdrant client: %w", err)
	}

	factory := runtime.NewFactory(cfg.Models, runtime.DefaultPluginRegistry(), logger)
	manager := resource.NewManager(gateway, store, factory, logger)
	defer manager.Shutdown()

	sweeper := resource.NewSweeper(manager, resource.SweeperConfig{
		Interval:    cfg.Cache.CleanupInterval,
		MaxInactive: cfg.Cache.MaxInactive,
	}, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server, err := httpserver.NewServer(manager, store, gateway, logger, httpserver.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	logger.Info("copilotd starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("qdrant_endpoint", cfg.Qdrant.Endpoint),
		zap.Duration("cleanup_interval", cfg.Cache.CleanupInterval),
		zap.Duration("max_inactive", cfg.Cache.MaxInactive))

	return server.Start(ctx)
}
