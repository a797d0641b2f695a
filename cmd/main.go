package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fossibot-bridge/internal/bridge"
	"fossibot-bridge/internal/config"
	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/health"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

const shutdownTimeout = 5 * time.Second

// Application bundles the daemon's top-level components behind one
// start/stop interface.
type Application struct {
	config *config.Config
	bridge *bridge.Bridge

	health     *health.Server
	healthErrs <-chan error
}

// NewApplication loads the configuration and wires the bridge. Nothing
// connects yet.
func NewApplication(configPath string) (*Application, error) {
	// Provisional logger until the configured level is known; the loader's
	// unknown-key warnings must go somewhere visible.
	if err := logger.Init(logger.LogLevelInfo); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Daemon.LogLevel); err != nil {
		return nil, err
	}
	metrics.Register()

	logger.LogInfo("Configuration: %s", cfg.Summary())

	app := &Application{config: cfg, bridge: bridge.New(cfg)}
	if cfg.Daemon.HealthPort > 0 {
		app.health = health.NewServer(health.NewHandler(app.bridge, version), cfg.Daemon.HealthPort)
	}
	return app, nil
}

// Start connects the bridge and, when configured, the health endpoint.
func (app *Application) Start(ctx context.Context) error {
	logger.LogInfo("🚀 Starting Fossibot Bridge %s...", version)

	if err := app.bridge.Start(ctx); err != nil {
		return err
	}
	if app.health != nil {
		app.healthErrs = app.health.Start()
	}

	logger.LogInfo("✅ Fossibot Bridge started")
	return nil
}

// Stop shuts everything down, bounded so a hung broker cannot hold the
// process hostage.
func (app *Application) Stop() {
	logger.LogInfo("🛑 Stopping Fossibot Bridge...")

	if app.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := app.health.Shutdown(ctx); err != nil {
			logger.LogWarn("Health server shutdown: %v", err)
		}
		cancel()
	}
	app.bridge.Stop(shutdownTimeout)

	logger.LogInfo("✅ Fossibot Bridge stopped")
	logger.Sync()
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: /etc/fossibot/config.yaml, then ./config.yaml)")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fossibot-bridge %s\n", version)
		return
	}
	if *validateOnly {
		os.Exit(validateConfig(*configPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	app, err := NewApplication(*configPath)
	if err != nil {
		errors.Handle(err)
		logger.LogError("Application creation error: %v", err)
		logger.Sync()
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		errors.Handle(err)
		logger.LogError("Application start error: %v", err)
		cancel()
		app.Stop()
		os.Exit(1)
	}

	select {
	case <-sigChan:
		logger.LogInfo("📢 Stop signal received...")
	case err := <-app.healthErrs:
		if err != nil {
			logger.LogError("Health server failed: %v", err)
		}
		cancel()
		app.Stop()
		os.Exit(1)
	}

	cancel()
	app.Stop()
}

// validateConfig loads the configuration and reports the outcome on stdout,
// for --validate and packaging hooks.
func validateConfig(path string) int {
	if err := logger.Init(logger.LogLevelWarn); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("❌ Configuration invalid: %v\n", err)
		return 1
	}
	fmt.Printf("✅ Configuration valid: %s\n", cfg.Summary())
	return 0
}
