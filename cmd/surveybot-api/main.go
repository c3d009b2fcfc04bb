package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"surveybot/internal/config"
	"surveybot/internal/db"

	"go.uber.org/zap"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = requireDatabase(cfg, func() error { return db.Migrate(ctx, cfg.DatabaseURL) })
	case "migrate-status":
		err = requireDatabase(cfg, func() error { return db.MigrationStatus(ctx, cfg.DatabaseURL) })
	default:
		log.Fatalf("Unknown command: %s (use 'serve', 'migrate' or 'migrate-status')", cmd)
	}
	if err != nil {
		logger.Fatal("Command failed", zap.String("command", cmd), zap.Error(err))
	}
}

func requireDatabase(cfg *config.Config, run func() error) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return run()
}
