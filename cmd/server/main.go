/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the inventory costing engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, YAML file, environment, flags)
  3. Build the logger
  4. Initialize the store (SQLite or in-memory)
  5. Create API handler with dependencies
  6. Configure HTTP router
  7. Start the recompute scheduler, if enabled
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory SQLite, "memory" for the map store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/costing.db"

  # Run with a config file
  ./server -config=costing.yaml

  # Run on different port with the map store
  ./server -port=3000 -db=memory

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/costing-engine/api"
	"github.com/warp/costing-engine/config"
	"github.com/warp/costing-engine/inventory"
	"github.com/warp/costing-engine/store/memory"
	"github.com/warp/costing-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := config.NewLogger(cfg.Log)

	// Initialize store
	store, closeStore, err := openStore(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer closeStore()

	// Initialize handler
	opts, err := api.OptionsFromConfig(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid costing configuration")
	}
	handler := api.NewHandler(store, opts, logger)

	// Create router
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	// Scheduler
	scheduler := api.NewRecomputeScheduler(handler.Orchestrator, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.WindowDays = cfg.Scheduler.WindowDays
	scheduler.Methods = opts.Methods
	for _, t := range cfg.Scheduler.Tenants {
		scheduler.Tenants = append(scheduler.Tenants, inventory.TenantID(t))
	}
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"port":     cfg.Server.Port,
			"database": cfg.Database.Path,
			"tenant":   cfg.Server.DefaultTenant,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}

// openStore picks the map-backed store for "memory" and SQLite otherwise.
func openStore(path string) (api.Store, func(), error) {
	if path == "memory" {
		return memory.New(), func() {}, nil
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}
