package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"surveybot/internal/api"
	"surveybot/internal/channel"
	"surveybot/internal/config"
	"surveybot/internal/jobs"
	"surveybot/internal/pkg/workerpool"
	"surveybot/internal/pubsub"
	"surveybot/internal/schema"
	"surveybot/internal/service"
	"surveybot/internal/storage"
	"surveybot/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	media, err := openMediaStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}

	// Redis is optional: without it events stay in-process and sweeps run on a ticker
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	bus := pubsub.New(rdb, logger)

	hub := ws.NewHub(logger)
	if streams := bus.Streams(); streams != nil {
		hub.SetStreamsProvider(streams)
	}
	bus.SetWSHub(hub)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	bot := channel.NewSupervisor(openTransport(cfg.Transport, logger), bus, logger)

	texts := service.DefaultTexts()
	locks := service.NewUserLocks()
	catalog := service.NewCatalog(store, cfg.Survey.CatalogTTL)
	validator := service.NewValidator(media, storage.ImagePolicy(cfg.Storage.MaxImageMB), texts, logger)
	sessions := service.NewSessionService(store, catalog, validator, texts, bus, logger)
	invoker := service.NewInvoker(store, bot, locks, bus, texts, cfg.Survey.CheckTimeout, logger)
	sweeper := service.NewSweeper(store, invoker, catalog, bot, locks, texts, service.SweepConfig{
		StalePendingAfter: cfg.Survey.StalePendingAfter,
		AutoRetryMax:      cfg.Survey.CheckAutoRetryMax,
		FollowUpAfter:     cfg.Survey.FollowUpAfter,
		FollowUpMax:       cfg.Survey.FollowUpMax,
	}, logger)

	var goDispatcher *service.GoDispatcher
	if rdb != nil {
		jobServer, err := jobs.NewJobServer(cfg.RedisAddr, cfg.Workers, jobs.NewHandlers(invoker, sweeper, logger),
			jobs.ScheduleConfig{CheckSweepCron: cfg.Survey.CheckSweepCron, FollowUpCron: cfg.Survey.FollowUpCron}, logger)
		if err != nil {
			return err
		}
		if err := jobServer.Start(); err != nil {
			return err
		}
		defer jobServer.Stop()
		checks := jobs.NewAsynqCheckDispatcher(jobServer.Client(), jobServer.Inspector(), cfg.Survey.CheckTimeout)
		invoker.SetDispatcher(checks)
		sessions.SetCheckDispatcher(checks)
	} else {
		goDispatcher = service.NewGoDispatcher(invoker)
		invoker.SetDispatcher(goDispatcher)
		sessions.SetCheckDispatcher(goDispatcher)
		go runSweeps(hubCtx, sweeper, logger)
	}

	dispatcher := service.NewDispatcher(store, sessions, service.NewWelcomeSelector(store, texts, logger),
		bot, locks, texts, service.DispatcherConfig{AllowMultipleAttempts: cfg.Survey.AllowMultipleAttempts}, logger)

	pool := workerpool.NewShardedPool(context.Background(), cfg.Workers, cfg.QueueSize, logger)
	bot.SetHandler(func(ctx context.Context, msg channel.InboundMessage) error {
		return pool.Submit(ctx, msg.From, func(jobCtx context.Context) {
			err := dispatcher.OnMessage(jobCtx, msg)
			if err != nil {
				logger.Error("Failed to handle message", zap.String("messageId", msg.MessageID), zap.Error(err))
			}
			msg.Settle(err)
		})
	})

	hub.SetCommandHandler(ws.NewCommandHandler(sessions, invoker, bot, logger))

	if err := invoker.RecoverPendingChecks(ctx, logger); err != nil {
		logger.Warn("Failed to recover pending checks on startup", zap.Error(err))
	}
	if err := bot.Start(ctx); err != nil {
		// The admin API can retry via POST /v1/bot/start
		logger.Error("Failed to start bot", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			middleware.Timeout(60*time.Second)(next).ServeHTTP(w, req)
		})
	})
	r.Mount("/", api.Routes(api.Dependencies{
		Store:    store,
		Catalog:  catalog,
		Sessions: sessions,
		Invoker:  invoker,
		Bot:      bot,
		Hub:      hub,
		Schemas:  schema.NewCompilerWithCache(16),
		Bus:      bus,
		Log:      logger,
	}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := bot.Stop(); err != nil {
		logger.Warn("Failed to stop bot", zap.Error(err))
	}
	_ = pool.Shutdown(shutdownCtx)
	if goDispatcher != nil {
		goDispatcher.Wait()
	}

	logger.Info("Server stopped")
	return nil
}

// runSweeps drives the periodic sweeps in-process when no job queue is configured
func runSweeps(ctx context.Context, sweeper *service.Sweeper, logger *zap.Logger) {
	checks := time.NewTicker(time.Minute)
	followUps := time.NewTicker(15 * time.Minute)
	defer checks.Stop()
	defer followUps.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checks.C:
			if _, err := sweeper.SweepChecks(ctx); err != nil {
				logger.Warn("Check sweep failed", zap.Error(err))
			}
		case <-followUps.C:
			if _, err := sweeper.SweepFollowUps(ctx); err != nil {
				logger.Warn("Follow-up sweep failed", zap.Error(err))
			}
		}
	}
}
