package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/api"
	"github.com/flourishlabs/beacon/internal/bulk"
	"github.com/flourishlabs/beacon/internal/channel"
	"github.com/flourishlabs/beacon/internal/circuitbreaker"
	"github.com/flourishlabs/beacon/internal/config"
	"github.com/flourishlabs/beacon/internal/events"
	"github.com/flourishlabs/beacon/internal/metrics"
	"github.com/flourishlabs/beacon/internal/observ"
	"github.com/flourishlabs/beacon/internal/redis"
	"github.com/flourishlabs/beacon/internal/retry"
	"github.com/flourishlabs/beacon/internal/scheduler"
	"github.com/flourishlabs/beacon/internal/store"
	"github.com/flourishlabs/beacon/internal/streak"
	"github.com/flourishlabs/beacon/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Initialize repositories
	notificationRepo := store.NewNotificationRepo(database, logger)
	commRepo := store.NewCommunicationRepo(database, logger)
	ledgerRepo := store.NewLedgerRepo(database, logger)
	milestoneRepo := store.NewMilestoneRepo(database, logger)
	prefsRepo := store.NewPrefsRepo(database, logger)
	billingRepo := store.NewBillingRepo(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var apiLimiter *redis.RateLimiter
	var sendLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		sendLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Initialize SQS event publisher
	var publisher *events.Publisher
	if cfg.SQSQueueURL != "" {
		publisher, err = events.NewPublisher(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, events will not be published",
				zap.Error(err),
			)
		} else {
			defer publisher.Close()
		}
	}

	// Build delivery adapters. Each provider is optional: a channel whose
	// adapter fails to initialize is simply unavailable and the router
	// falls through to the next candidate.
	adapters := buildAdapters(ctx, cfg, logger)
	registry := channel.NewRegistry(logger, adapters...)
	router := channel.NewRouter(registry, logger)

	// Scheduler for the due queue
	sched := scheduler.New(notificationRepo, prefsRepo, router, registry, scheduler.Config{
		PollInterval: time.Duration(cfg.SchedulerPollSeconds) * time.Second,
		BatchSize:    cfg.SchedulerBatchSize,
	}, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go sched.Start(schedCtx)
	logger.Info("background due-queue scheduler started")

	// Connection gauges
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-schedCtx.Done():
				return
			case <-ticker.C:
				metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
				if redisClient != nil {
					metrics.SetRedisConnections(redisClient.ActiveConns())
				}
			}
		}
	}()

	// Bulk communication processor
	var limiter bulk.Limiter
	if sendLimiter != nil {
		limiter = sendLimiter
	} else {
		limiter = allowAllLimiter{}
	}
	processor := bulk.New(commRepo, prefsRepo, limiter, registry, bulk.Config{
		PageSize: 50,
		Policy:   retry.NewPolicy(nil, 0),
	}, logger)

	// Streak milestone detector
	var streakPublisher streak.Publisher = noopPublisher{}
	if publisher != nil {
		streakPublisher = publisher
	}
	detector := streak.NewDetector(milestoneRepo, notificationRepo, streakPublisher, logger)

	// Payment webhook ingestor
	var webhookPublisher webhook.Publisher
	if publisher != nil {
		webhookPublisher = publisher
	}
	ingestor := webhook.NewIngestor(
		ledgerRepo,
		webhook.NewBillingApplier(billingRepo),
		webhookPublisher,
		[]byte(cfg.WebhookSecret),
		logger,
	)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, notificationRepo, commRepo, sched, processor, detector, ingestor, idempotencyService)

	r.Route("/v1", func(r chi.Router) {
		// Account-keyed limits on the API surface.
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(apiLimiter, logger, "api", api.AccountKeyFunc))

			r.Post("/notifications", handler.CreateNotification)
			r.Get("/notifications", handler.ListNotifications)
			r.Get("/notifications/{id}", handler.GetNotification)
			r.Post("/scheduler/run", handler.RunScheduler)

			r.Post("/communications", handler.CreateCommunication)
			r.Get("/communications/{id}", handler.GetCommunication)
			r.Post("/communications/{id}/process", handler.ProcessCommunication)

			r.Post("/streaks/advance", handler.AdvanceStreak)
		})

		// IP-keyed limit on the webhook surface: callers are external and
		// unauthenticated until the signature check.
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(apiLimiter, logger, "webhook", api.IPKeyFunc))
			r.Post("/webhooks/payments", handler.PaymentWebhook)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		schedCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildAdapters initializes every delivery adapter whose provider is
// configured, each behind its own circuit breaker.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *zap.Logger) []channel.Adapter {
	var adapters []channel.Adapter

	protect := func(a channel.Adapter) channel.Adapter {
		return circuitbreaker.Wrap(a, circuitbreaker.DefaultConfig(string(a.Channel())), logger)
	}

	email, err := channel.NewEmailAdapter(ctx, channel.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("email adapter unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, protect(email))
	}

	sms, err := channel.NewSMSAdapter(ctx, channel.SMSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("sms adapter unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, protect(sms))
	}

	if cfg.PushPrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PushPrivateKeyPath)
		if err != nil {
			logger.Warn("push signing key unreadable, push disabled", zap.Error(err))
		} else {
			push, err := channel.NewPushAdapter(channel.PushConfig{
				BaseURL:    cfg.PushBaseURL,
				Topic:      cfg.PushTopic,
				KeyID:      cfg.PushKeyID,
				TeamID:     cfg.PushTeamID,
				PrivateKey: key,
			}, logger)
			if err != nil {
				logger.Warn("push adapter unavailable", zap.Error(err))
			} else {
				adapters = append(adapters, protect(push))
			}
		}
	}

	if cfg.VoiceBaseURL != "" {
		voice := channel.NewVoiceAdapter(channel.VoiceConfig{
			BaseURL:   cfg.VoiceBaseURL,
			AuthToken: cfg.VoiceAuthToken,
			CallerID:  cfg.VoiceCallerID,
		}, logger)
		adapters = append(adapters, protect(voice))
	}

	logger.Info("delivery adapters initialized", zap.Int("count", len(adapters)))
	return adapters
}

// allowAllLimiter stands in when Redis is down; bulk sends proceed unthrottled
// rather than not at all.
type allowAllLimiter struct{}

func (allowAllLimiter) Consume(ctx context.Context, key, fn string) (*redis.RateLimitResult, error) {
	return &redis.RateLimitResult{Allowed: true}, nil
}

// noopPublisher stands in when SQS is not configured.
type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	return "", nil
}
