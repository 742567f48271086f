package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/api"
	"github.com/lalithlochan/finwatch/internal/circuitbreaker"
	"github.com/lalithlochan/finwatch/internal/config"
	"github.com/lalithlochan/finwatch/internal/db"
	"github.com/lalithlochan/finwatch/internal/dedup"
	"github.com/lalithlochan/finwatch/internal/delivery"
	"github.com/lalithlochan/finwatch/internal/finance"
	"github.com/lalithlochan/finwatch/internal/observ"
	"github.com/lalithlochan/finwatch/internal/redis"
	"github.com/lalithlochan/finwatch/internal/rules"
	"github.com/lalithlochan/finwatch/internal/session"
	"github.com/lalithlochan/finwatch/internal/settings"
	"github.com/lalithlochan/finwatch/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.UserID == "" {
		return errors.New("USER_ID is required")
	}

	schedule, err := config.LoadSchedule(cfg.ScheduleFile)
	if err != nil {
		return fmt.Errorf("failed to load schedule: %w", err)
	}

	logger, err := observ.NewLogger("finwatch", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting finwatch",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("user_id", cfg.UserID),
		zap.String("store", cfg.StoreDriver),
		zap.String("timezone", cfg.Location().String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Notification store, finance reads and the settings mirror
	var (
		notifications store.NotificationStore
		reader        finance.Reader
		mirror        settings.Mirror
		health        func(context.Context) error
	)
	switch cfg.StoreDriver {
	case "memory":
		notifications = store.NewMemoryStore(time.Now)
		reader = finance.NewLedger()
		logger.Warn("using in-memory store, notifications are lost on exit")
	default:
		database, err := db.New(ctx, db.Config{
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

		logger.Info("database connection established",
			zap.String("host", cfg.DBHost),
			zap.Int("port", cfg.DBPort),
			zap.String("database", cfg.DBName),
		)

		notifications = db.NewRepository(database, logger)
		reader = db.NewFinanceReader(database)
		mirror = db.NewSettingsMirror(database)
		health = database.Health
		go database.ReportStats(ctx, 15*time.Second)
	}

	// Redis backs dedup reservations and API rate limiting when configured
	var (
		reserver dedup.Reserver
		limiter  api.Limiter
	)
	if cfg.RedisHost != "" {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, reservations and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			reserver = redis.NewReservations(redisClient, 0, logger)
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimit,
				Window: cfg.RateLimitWindow,
			})
		}
	}

	cache, err := settings.OpenCache(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("failed to open settings cache: %w", err)
	}
	defer cache.Close()

	sender := buildSender(ctx, cfg, logger)

	sess := session.New(session.Config{
		UserID:    cfg.UserID,
		FeedLimit: schedule.FeedLimit,
		Intervals: map[rules.Family]time.Duration{
			rules.FamilyBudget:      schedule.BudgetInterval,
			rules.FamilyGoal:        schedule.GoalInterval,
			rules.FamilyTransaction: schedule.TransactionInterval,
			rules.FamilyReport:      schedule.ReportInterval,
		},
		QuietTick:   schedule.QuietTick,
		ExpirySweep: schedule.ExpirySweep,
	}, session.Deps{
		Store: notifications,
		Evaluators: []rules.Evaluator{
			rules.NewBudgetRule(reader),
			rules.NewGoalRule(reader),
			rules.NewTransactionRule(reader),
			rules.NewReportRule(),
		},
		Reserver: reserver,
		Settings: settings.NewService(cfg.UserID, cache, mirror, logger),
		Sender:   sender,
		Location: cfg.Location(),
	}, logger)

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(logger, sess),
		Limiter: limiter,
		Health:  health,
		Logger:  logger,
	})

	// WriteTimeout stays zero: the delivery stream is long-lived and the
	// other routes carry their own request timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		stop()
		sess.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	sess.Wait()

	logger.Info("finwatch stopped gracefully")
	return nil
}

// buildSender fans delivery out to the log plus whichever remote relays are
// configured, each behind its own circuit breaker.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) delivery.Sender {
	senders := []delivery.Sender{delivery.NewLogSender(logger)}

	if cfg.SQSDesktopQueueURL != "" {
		relay, err := delivery.NewRelay(ctx, delivery.RelayConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSDesktopQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sqs relay unavailable, desktop agent will not receive requests", zap.Error(err))
		} else {
			breaker := circuitbreaker.New(circuitbreaker.Config{Name: "sqs-relay"}, logger)
			senders = append(senders, circuitbreaker.NewProtectedSender(relay, breaker, logger))
		}
	}

	if cfg.SNSTopicARN != "" {
		topic, err := delivery.NewTopicPublisher(ctx, delivery.TopicConfig{
			Region:   cfg.SNSRegion,
			TopicARN: cfg.SNSTopicARN,
			Endpoint: cfg.SNSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns topic unavailable, fan-out disabled", zap.Error(err))
		} else {
			breaker := circuitbreaker.New(circuitbreaker.Config{Name: "sns-topic"}, logger)
			senders = append(senders, circuitbreaker.NewProtectedSender(topic, breaker, logger))
		}
	}

	logger.Info("delivery senders configured",
		zap.Bool("sqs_relay", cfg.SQSDesktopQueueURL != ""),
		zap.Bool("sns_topic", cfg.SNSTopicARN != ""),
	)
	return delivery.NewMultiSender(logger, senders...)
}
