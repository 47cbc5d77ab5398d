package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/taobao-scraper/internal/config"
	"github.com/maltedev/taobao-scraper/internal/database"
	"github.com/maltedev/taobao-scraper/internal/engine"
	"github.com/maltedev/taobao-scraper/internal/metrics"
	"github.com/maltedev/taobao-scraper/internal/parser"
	"github.com/maltedev/taobao-scraper/internal/ratelimit"
	"github.com/maltedev/taobao-scraper/internal/service/api"
	"github.com/maltedev/taobao-scraper/internal/service/events"
	"github.com/maltedev/taobao-scraper/internal/service/intake"
	"github.com/maltedev/taobao-scraper/internal/service/jobs"
	"github.com/maltedev/taobao-scraper/pkg/logger"
)

func main() {
	envFiles, err := config.LoadEnvFiles()
	if err != nil {
		slog.Error("failed to load env files", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)
	if len(envFiles) > 0 {
		log.Info("loaded env files", "files", envFiles)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	eng, err := engine.New(cfg, m, log)
	if err != nil {
		log.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	outbox := database.NewOutboxRepository(db)
	relay := database.NewRelay(outbox, redisClient, m, log, database.RelayConfig{
		PollInterval: cfg.Worker.RelayInterval,
		BatchSize:    cfg.Worker.RelayBatch,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("relay stopped with error", "error", err)
		}
	}()

	publisher := events.NewPublisher(db, log)
	taobaoParser := parser.NewTaobaoParser()
	limiter := ratelimit.NewAdaptiveRateLimiter(cfg.Fetch.RateLimitMin, cfg.Fetch.RateLimitMax)

	jobManager := jobs.NewManager(
		database.NewJobRepository(db),
		eng,
		taobaoParser,
		publisher,
		limiter,
		m,
		jobs.Config{PollInterval: cfg.Worker.PollInterval},
		log,
	)
	go jobManager.StartWorker(ctx)

	if cfg.Redis.RequestStream != "" {
		consumer := intake.NewConsumer(redisClient, jobManager, intake.Config{
			Stream:   cfg.Redis.RequestStream,
			Group:    cfg.Redis.ConsumerGroup,
			Consumer: cfg.Redis.ConsumerName,
		}, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("intake stopped with error", "error", err)
			}
		}()
	}

	handlers := api.NewHandlers(api.Deps{
		Jobs:      jobManager,
		Fetcher:   eng,
		Parser:    taobaoParser,
		Recorder:  publisher,
		Snapshots: database.NewSnapshotRepository(db),
		Session:   eng,
	}, log)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		pending, deadLetter, err := outbox.Counts(r.Context())

		health := map[string]interface{}{
			"status": "ok",
			"outbox": map[string]interface{}{
				"pending":     pending,
				"dead_letter": deadLetter,
			},
		}

		status := http.StatusOK
		switch {
		case err != nil:
			health["status"] = "error"
			health["message"] = "database unavailable"
			status = http.StatusServiceUnavailable
		case deadLetter > 100:
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		case pending > 1000:
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	r.Handle("/metrics", m.Handler())

	// Fetches and logins can run for minutes, so the timeout covers only the
	// API group and is sized from the retry and login budgets.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout(cfg)))
		handlers.Routes(r)
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: requestTimeout(cfg) + cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	}()

	log.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// requestTimeout bounds one synchronous fetch: every attempt may wait for a
// login and load all tabs, plus the backoff between attempts.
func requestTimeout(cfg *config.Config) time.Duration {
	perAttempt := cfg.Auth.LoginTimeout + cfg.Navigation.ReadyTimeout + 4*cfg.Navigation.TabTimeout
	return time.Duration(cfg.Retry.MaxAttempts)*(perAttempt+cfg.Retry.BackoffMax) + time.Minute
}
