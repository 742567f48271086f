package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/delivery"
)

// ProtectedSender puts a breaker in front of a remote delivery sender
type ProtectedSender struct {
	sender  delivery.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

var _ delivery.Sender = (*ProtectedSender)(nil)

func NewProtectedSender(sender delivery.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen while the breaker is open
func (p *ProtectedSender) Send(ctx context.Context, req delivery.Request) error {
	err := p.breaker.Execute(ctx, req, p.sender.Send)
	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Debug("circuit breaker rejected delivery request",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", req.Notification.ID),
			zap.String("channel", string(req.Channel)),
		)
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(ch delivery.Channel) bool {
	return p.sender.SupportsChannel(ch)
}

// Breaker exposes the breaker for health output
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
