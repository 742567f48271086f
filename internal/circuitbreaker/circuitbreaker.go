// Package circuitbreaker stops handing delivery requests to a remote sender
// that keeps failing and lets a trial through once the cooldown has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/delivery"
	"github.com/lalithlochan/finwatch/internal/metrics"
)

// State of a breaker.
//
//	closed    -> open:      Threshold consecutive send failures
//	open      -> half-open: Cooldown elapsed since the breaker opened
//	half-open -> closed:    a trial send succeeds
//	half-open -> open:      a trial send fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome of one delivery request seen by the breaker
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeRejected Outcome = "rejected"
	// OutcomeCanceled is a send cut short by the caller's context. It is not
	// held against the downstream.
	OutcomeCanceled Outcome = "canceled"
)

// ErrCircuitOpen is returned while the breaker rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config for a CircuitBreaker
type Config struct {
	// Name identifies the protected sender ("sqs-relay", "sns-topic")
	Name string

	Threshold int
	Cooldown  time.Duration
	Trials    int
}

// DefaultConfig trips after three failed sends. A pop-up that arrives late
// is worse than one that is skipped.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Threshold: 3,
		Cooldown:  30 * time.Second,
		Trials:    1,
	}
}

// CircuitBreaker guards one remote delivery sender
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state    State
	failures int
	openedAt time.Time
	trials   int
	rejected map[delivery.Channel]int64
}

// New creates a breaker in the closed state
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = def.Trials
	}

	metrics.SetBreakerState(cfg.Name, int(StateClosed))
	return &CircuitBreaker{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		rejected: make(map[delivery.Channel]int64),
	}
}

// Name returns the configured breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Execute hands req to send unless the breaker is open. A rejected request
// returns ErrCircuitOpen without calling send.
func (cb *CircuitBreaker) Execute(ctx context.Context, req delivery.Request, send func(context.Context, delivery.Request) error) error {
	trial, ok := cb.admit(req.Channel)
	if !ok {
		metrics.RecordGuardedSend(cb.cfg.Name, string(req.Channel), string(OutcomeRejected))
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, cb.cfg.Name)
	}

	err := send(ctx, req)
	outcome := classify(ctx, err)
	cb.settle(trial, outcome, req)
	metrics.RecordGuardedSend(cb.cfg.Name, string(req.Channel), string(outcome))
	return err
}

func classify(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSent
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}

// admit reserves a slot for one send. trial reports a half-open trial send.
func (cb *CircuitBreaker) admit(ch delivery.Channel) (trial, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.rejected[ch]++
			return false, false
		}
		cb.setState(StateHalfOpen)
	}

	if cb.trials >= cb.cfg.Trials {
		cb.rejected[ch]++
		return false, false
	}
	cb.trials++
	return true, true
}

// settle folds the result of an admitted send into the state
func (cb *CircuitBreaker) settle(trial bool, outcome Outcome, req delivery.Request) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}

	switch outcome {
	case OutcomeSent:
		cb.failures = 0
		if trial && cb.state == StateHalfOpen {
			cb.setState(StateClosed)
			cb.logger.Info("circuit breaker closed, sender recovered",
				zap.String("name", cb.cfg.Name),
				zap.String("channel", string(req.Channel)),
			)
		}
	case OutcomeFailed:
		cb.failures++
		switch {
		case trial && cb.state == StateHalfOpen:
			cb.open()
			cb.logger.Warn("circuit breaker re-opened, trial failed",
				zap.String("name", cb.cfg.Name),
				zap.String("notification_id", req.Notification.ID),
			)
		case cb.state == StateClosed && cb.failures >= cb.cfg.Threshold:
			cb.open()
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.cfg.Name),
				zap.Int("failures", cb.failures),
				zap.Duration("cooldown", cb.cfg.Cooldown),
			)
		}
	}
}

// open must be called with mu held
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.trials = 0
	metrics.SetBreakerState(cb.cfg.Name, int(next))

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.cfg.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status is a point-in-time view for logs and health output
type Status struct {
	Name                string                     `json:"name"`
	State               string                     `json:"state"`
	ConsecutiveFailures int                        `json:"consecutive_failures"`
	Rejected            map[delivery.Channel]int64 `json:"rejected,omitempty"`
	RetryAt             *time.Time                 `json:"retry_at,omitempty"`
}

func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Status{
		Name:                cb.cfg.Name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
	}
	if len(cb.rejected) > 0 {
		s.Rejected = make(map[delivery.Channel]int64, len(cb.rejected))
		for ch, n := range cb.rejected {
			s.Rejected[ch] = n
		}
	}
	if cb.state == StateOpen {
		at := cb.openedAt.Add(cb.cfg.Cooldown)
		s.RetryAt = &at
	}
	return s
}
