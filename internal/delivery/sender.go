package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// Request asks a surface to present a notification on one channel
type Request struct {
	Notification *notify.Notification `json:"notification"`
	Channel      Channel              `json:"channel"`
	DismissAfter time.Duration        `json:"dismiss_after"`
	RequestedAt  time.Time            `json:"requested_at"`
}

// Sticky reports whether the pop-up waits for user interaction
func (r Request) Sticky() bool {
	return r.Channel == ChannelDesktop && r.DismissAfter == 0
}

// Sender presents delivery requests on some surface
type Sender interface {
	Send(ctx context.Context, req Request) error
	SupportsChannel(ch Channel) bool
}

// MultiSender fans a request out to every sender supporting its channel
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a fan-out over senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send delivers to all supporting senders and joins their errors
func (m *MultiSender) Send(ctx context.Context, req Request) error {
	var (
		errs    []error
		matched bool
	)
	for _, sender := range m.senders {
		if !sender.SupportsChannel(req.Channel) {
			continue
		}
		matched = true
		m.logger.Debug("routing delivery request to sender",
			zap.String("channel", string(req.Channel)),
			zap.String("notification_id", req.Notification.ID),
		)
		if err := sender.Send(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}

	if !matched {
		return fmt.Errorf("no sender found for channel: %s", req.Channel)
	}
	return errors.Join(errs...)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(ch Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(ch) {
			return true
		}
	}
	return false
}

// LogSender logs requests instead of presenting them (development mode)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, req Request) error {
	s.logger.Info("delivery requested",
		zap.String("notification_id", req.Notification.ID),
		zap.String("channel", string(req.Channel)),
		zap.String("priority", string(req.Notification.Priority)),
		zap.String("title", req.Notification.Title),
		zap.Duration("dismiss_after", req.DismissAfter),
	)
	return nil
}

func (s *LogSender) SupportsChannel(ch Channel) bool {
	return ch == ChannelDesktop || ch == ChannelSound
}
