package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/config"
	"github.com/lalithlochan/finwatch/internal/delivery"
	"github.com/lalithlochan/finwatch/internal/observ"
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
	if cfg.SQSDesktopQueueURL == "" {
		return errors.New("SQS_DESKTOP_QUEUE_URL is required")
	}

	logger, err := observ.NewLogger("finwatch-deskagent", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer, err := delivery.NewRelayConsumer(ctx, delivery.RelayConfig{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SQSDesktopQueueURL,
		Endpoint: cfg.SQSEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create relay consumer: %w", err)
	}

	logger.Info("desktop agent started", zap.String("queue_url", cfg.SQSDesktopQueueURL))
	consume(ctx, consumer, logger)
	logger.Info("desktop agent stopped")
	return nil
}

// queue is the consumer side of the desktop relay
type queue interface {
	Receive(ctx context.Context) (*delivery.RelayMessage, string, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// consume presents each relayed request and acknowledges it. Unreadable
// messages are acknowledged too so they don't redeliver forever.
func consume(ctx context.Context, q queue, logger *zap.Logger) {
	backoff := time.Second
	for ctx.Err() == nil {
		msg, receipt, err := q.Receive(ctx)
		if err != nil && receipt == "" {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("receive failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		if err != nil {
			logger.Error("dropping malformed delivery request", zap.Error(err))
		} else if msg != nil {
			present(msg, logger)
		}

		if receipt == "" {
			continue
		}
		if err := q.Delete(ctx, receipt); err != nil {
			logger.Warn("failed to delete delivery request", zap.Error(err))
		}
	}
}

// present stands in for the pop-up and chime, which belong to the desktop UI
func present(msg *delivery.RelayMessage, logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("notification_id", msg.NotificationID),
		zap.String("user_id", msg.UserID),
		zap.String("type", string(msg.Type)),
		zap.String("priority", string(msg.Priority)),
	}

	switch msg.Channel {
	case delivery.ChannelSound:
		logger.Info("play notification sound", fields...)
	default:
		fields = append(fields,
			zap.String("title", msg.Title),
			zap.String("message", msg.Message),
			zap.Bool("sticky", msg.Sticky),
			zap.Duration("dismiss_after", msg.DismissAfter()),
		)
		logger.Info("show desktop notification", fields...)
	}
}
