/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points redemption server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, config file, .env, environment)
  3. Build the zap logger
  4. Initialize SQLite store and the engine
  5. Configure HTTP router and the stats scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./config.yaml if present)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database
  -demo    Mount the demo scenario loader under /api/scenarios
  -hash-password  Print a bcrypt hash for engine.step_up_password_hash and exit

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the stats scheduler
  4. Close database connection

EXAMPLES:
  ./server -db="./data/redemption.db"
  ./server -db=":memory:" -demo
  REDEMPTION_ENV=production ./server -config=/etc/redemption.yaml

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/azz-ii/points-redemption-system-sub004/api"
	"github.com/azz-ii/points-redemption-system-sub004/config"
	"github.com/azz-ii/points-redemption-system-sub004/engine"
	"github.com/azz-ii/points-redemption-system-sub004/logger"
	"github.com/azz-ii/points-redemption-system-sub004/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	demo := flag.Bool("demo", false, "Enable demo scenario routes")
	hashPassword := flag.String("hash-password", "", "Print a bcrypt hash for the step-up password and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := engine.HashStepUpPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, *demo); err != nil {
		zlog.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, demo bool) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	if cfg.Engine.StepUpPasswordHash == "" {
		zap.L().Warn("no step-up password hash configured, bulk operations are disabled")
	}
	eng, err := engine.New(store, engine.Options{
		StepUp:             engine.NewBcryptStepUp(cfg.Engine.StepUpPasswordHash),
		AutoApproveUngated: cfg.Engine.AutoApproveUngated,
		BulkConcurrency:    cfg.Engine.BulkConcurrency,
		NodeID:             cfg.Engine.NodeID,
		LowStockThreshold:  cfg.Engine.LowStockThreshold,
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	// Create router
	router, err := api.NewRouter(api.NewHandler(eng), api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		BulkRateLimit:  cfg.Security.BulkRateLimit,
		CSRF:           cfg.Security.CSRF,
		Scenarios:      demo,
	})
	if err != nil {
		return fmt.Errorf("configure router: %w", err)
	}

	scheduler := api.NewStatsScheduler(eng)
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zap.L().Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.Bool("demo", demo))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		zap.L().Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	zap.L().Info("server stopped")
	return nil
}
