package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderq/internal/admission"
	"renderq/internal/config"
	"renderq/internal/httpapi"
	"renderq/internal/httpapi/handlers"
	"renderq/internal/intake"
	"renderq/internal/jobstore"
	"renderq/internal/notify"
	"renderq/internal/pkg/logger"
	"renderq/internal/pkg/middleware"
	"renderq/internal/pkg/shutdown"
	"renderq/internal/pool"
	"renderq/internal/ratelimit"
	"renderq/internal/reaper"
	"renderq/internal/renderer"
	"renderq/internal/scheduler"
	"renderq/internal/storage"
)

const (
	version        = "0.1.0"
	signedURLTTL   = 24 * time.Hour
	intakeBlock    = 5 * time.Second
	throttleIdle   = 15 * time.Minute
	throttleSweeps = time.Minute
)

func main() {
	log := logger.New(logger.DefaultConfig())

	log.Info("starting renderd", "version", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", err)
	}
	if cfg.Limits.MaxConcurrent > 1 {
		log.Warn("MAX_CONCURRENT exceeds the single rendering backend slot; extra jobs will fail as resource in use",
			"max_concurrent", cfg.Limits.MaxConcurrent,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout())
	checks := map[string]handlers.Check{}

	// Postgres job history is optional.
	var history *jobstore.Store
	if cfg.DatabaseURL != "" {
		log.Info("connecting to PostgreSQL")
		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.RegisterSimple("postgres", db.Close)

		if err := db.Ping(ctx); err != nil {
			log.Fatal("failed to ping PostgreSQL", err)
		}
		history = jobstore.New(db)
		if err := history.Migrate(ctx); err != nil {
			log.Fatal("failed to migrate job history", err)
		}
		checks["postgres"] = history.Ping
		log.Info("PostgreSQL connected")
	}

	// Redis carries chat-layer intake and replies when configured.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		log.Info("connecting to Redis")
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to ping Redis", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("Redis connected")
	}

	log.Info("initializing artifact store")
	store, err := storage.NewStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("failed to initialize artifact store", err)
	}
	log.Info("artifact store initialized", "provider", store.Provider())

	client := renderer.NewHTTPClient(cfg.RendererBaseURL)
	checks["renderer"] = client.Ping

	backend := pool.New(client.OpenSession, pool.Options{
		InitTimeout: cfg.PoolInitTimeout(),
		IdleTimeout: cfg.IdleTimeout(),
		Logger:      log,
	})
	shutdownMgr.Register("pool", backend.Close)

	notifiers := notify.Multi{notify.NewLog(log)}
	if rdb != nil {
		notifiers = append(notifiers, notify.NewRedis(rdb, cfg.NotifyChannelPrefix))
	}

	limiter := ratelimit.New(cfg.Limits.MaxRequestsPerWindow, cfg.Window())
	deps := scheduler.Deps{
		Limiter:  limiter,
		Queue:    admission.New(cfg.Limits.MaxQueueSize, cfg.Limits.UserQueueCap),
		Pool:     backend,
		Renderer: renderer.WithStorage(client, store, signedURLTTL),
		Notifier: notifiers,
	}
	if history != nil {
		deps.History = history
	}
	sched := scheduler.New(deps, scheduler.Options{
		MaxConcurrent:     cfg.Limits.MaxConcurrent,
		MaxProcessingTime: cfg.MaxProcessingTime(),
		DispatchDelay:     cfg.DispatchDelay(),
		Logger:            log,
	})
	shutdownMgr.Register("scheduler", sched.Close)

	bgCtx, stopBackground := context.WithCancel(ctx)
	background := make(chan struct{})
	shutdownMgr.Register("background", func(ctx context.Context) error {
		stopBackground()
		select {
		case <-background:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	rp := reaper.New(limiter, backend, reaper.Config{
		RateInterval: cfg.ReaperInterval(),
		PoolInterval: cfg.PoolReaperInterval(),
	}, log)

	go func() {
		defer close(background)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := rp.Run(bgCtx); err != nil {
				log.WithError(err).Error("reaper stopped with error")
			}
		}()

		if rdb != nil {
			err := intake.Run(bgCtx, intake.Deps{
				Source:    intake.NewRedisQueue(rdb, cfg.IntakeQueueName, intakeBlock),
				Scheduler: sched,
				Notifier:  notifiers,
				Log:       log,
			})
			if err != nil {
				log.WithError(err).Error("intake stopped with error")
			}
		}
		<-done
	}()

	throttle := middleware.NewLimiterStore(cfg.HTTPRateRPS, cfg.HTTPRateBurst, throttleIdle)
	throttle.StartJanitor(bgCtx, throttleSweeps)

	hd := handlers.Deps{
		Scheduler: sched,
		Store:     store,
		Checks:    checks,
		Version:   version,
		Log:       log,
	}
	if history != nil {
		hd.History = history
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Handlers: hd,
		Throttle: throttle,
		Log:      log,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.MaxProcessingTime() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.HTTPPort,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}
