package main

import (
	"context"
	"fmt"

	"surveybot/internal/channel"
	"surveybot/internal/config"
	"surveybot/internal/db"
	"surveybot/internal/memstore"
	"surveybot/internal/service"
	"surveybot/internal/storage"

	"go.uber.org/zap"
)

// openStore connects to Postgres, or falls back to the in-memory store when no database is configured
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (service.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return memstore.New(), func() {}, nil
	}

	if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, int32(cfg.Workers*2), log)
	if err != nil {
		return nil, nil, err
	}
	return pool.Queries, pool.Close, nil
}

func openMediaStorage(cfg config.StorageConfig, log *zap.Logger) (storage.Storage, error) {
	switch cfg.Backend {
	case "s3":
		log.Info("Using S3 media storage", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
		return storage.NewS3Storage(storage.S3Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
	case "local":
		log.Info("Using local media storage", zap.String("dir", cfg.LocalDir))
		return storage.NewLocalStorage(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func openTransport(cfg config.TransportConfig, log *zap.Logger) channel.Transport {
	if cfg.Kind == "amqp" {
		return channel.NewAMQPTransport(channel.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.Exchange,
			Queue:    cfg.Queue,
		}, log)
	}
	return channel.NewMemoryTransport()
}
