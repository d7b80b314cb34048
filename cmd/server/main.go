package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/samma/market-engine/internal/api"
	"github.com/samma/market-engine/internal/audit"
	"github.com/samma/market-engine/internal/config"
	"github.com/samma/market-engine/internal/jobs"
	"github.com/samma/market-engine/internal/metrics"
	"github.com/samma/market-engine/internal/notify"
	"github.com/samma/market-engine/internal/provider"
	"github.com/samma/market-engine/internal/ranking"
	"github.com/samma/market-engine/internal/settlement"
	"github.com/samma/market-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb = redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Payment provider ---
	var prov provider.Provider
	var sandbox *provider.Sandbox
	if cfg.ProviderURL != "" {
		prov = provider.NewClient(provider.ClientOptions{
			BaseURL:      cfg.ProviderURL,
			ClientID:     cfg.ProviderClientID,
			ClientSecret: cfg.ProviderClientSecret,
			Timeout:      cfg.ProviderTimeout,
			Logger:       logger,
		})
		slog.Info("payment provider configured", "url", cfg.ProviderURL)
	} else {
		sandbox = provider.NewSandbox(cfg.SandboxApproveURL)
		prov = sandbox
		slog.Warn("PROVIDER_URL not set, using sandbox payment provider")
	}

	// --- Notifications ---
	notifier := notify.NewMulti(logger).Add("store", notify.NewStoreNotifier(st))
	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			slog.Error("AMQP connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { pub.Close() })
		notifier.Add("amqp", pub)
		slog.Info("publishing notifications", "exchange", cfg.AMQPExchange)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(ctx)

	// --- Engines ---
	rank := ranking.NewEngine(st, wsHub, logger)
	pipe := settlement.New(st, prov, notifier, audit.NewRecorder(st, logger), wsHub, settlement.Config{
		Currency:        cfg.Currency,
		HoldingPeriod:   cfg.HoldingPeriod,
		PendingWindow:   cfg.PendingWindow,
		AbandonAfter:    cfg.AbandonAfter,
		ProviderTimeout: cfg.ProviderTimeout,
		ReturnURL:       cfg.ReturnURL,
		CancelURL:       cfg.CancelURL,
	}, logger)

	svc := api.NewService(api.Options{
		Store:         st,
		Ranking:       rank,
		Payments:      pipe,
		Notifier:      notifier,
		Hub:           wsHub,
		Sandbox:       sandbox,
		JWTSecret:     cfg.JWTSecret,
		WebhookSecret: cfg.WebhookSecret,
		Logger:        logger,
	})

	// --- Background jobs ---
	if cfg.JobsEnabled {
		var locker gocron.Locker
		if rdb != nil {
			locker = jobs.NewRedisLocker(rdb, cfg.JobLockTTL)
		}
		sched, err := jobs.NewScheduler(locker, logger)
		if err != nil {
			slog.Error("scheduler init failed", "err", err)
			os.Exit(1)
		}
		clock := func() time.Time { return time.Now().UTC() }
		if err := sched.Add(jobs.Marketplace(rank, pipe, st, jobs.DefaultSchedule(), clock, logger)...); err != nil {
			slog.Error("scheduling jobs failed", "err", err)
			os.Exit(1)
		}
		sched.Start()
		defer func() {
			if err := sched.Shutdown(); err != nil {
				slog.Error("scheduler shutdown", "err", err)
			}
		}()
		slog.Info("background jobs started", "distributed_lock", locker != nil)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, "+api.WebhookSignatureHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
