// Package session drives one user's notification pipeline: rule tickers,
// the change-feed pump, the quiet-hours tick and the expiry sweep.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/dedup"
	"github.com/lalithlochan/finwatch/internal/delivery"
	"github.com/lalithlochan/finwatch/internal/feed"
	"github.com/lalithlochan/finwatch/internal/lifecycle"
	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/rules"
	"github.com/lalithlochan/finwatch/internal/settings"
	"github.com/lalithlochan/finwatch/internal/store"
)

// ErrEvaluationInProgress is returned when a pass is requested while another runs
var ErrEvaluationInProgress = errors.New("evaluation already in progress")

// Config controls cadences. A family without an interval only runs on Refresh.
type Config struct {
	UserID      string
	FeedLimit   int
	Intervals   map[rules.Family]time.Duration
	QuietTick   time.Duration
	ExpirySweep time.Duration

	// Resubscribe backoff for the change-feed
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Deps are the collaborators a session wires together. Reserver is optional.
type Deps struct {
	Store      store.NotificationStore
	Evaluators []rules.Evaluator
	Reserver   dedup.Reserver
	Settings   *settings.Service
	Sender     delivery.Sender
	Location   *time.Location
}

type Session struct {
	cfg        Config
	store      store.NotificationStore
	evaluators map[rules.Family]rules.Evaluator
	gate       *dedup.Gate
	feed       *feed.Merger
	lifecycle  *lifecycle.Manager
	settings   *settings.Service
	delivery   *delivery.Gate
	dispatcher *delivery.Dispatcher
	loc        *time.Location
	logger     *zap.Logger
	now        func() time.Time

	started atomic.Bool
	running atomic.Bool
	quiet   atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Session {
	if cfg.FeedLimit <= 0 {
		cfg.FeedLimit = feed.DefaultLimit
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}
	sender := deps.Sender
	if sender == nil {
		sender = delivery.NewLogSender(logger)
	}

	merger := feed.New(cfg.FeedLimit, logger)
	dg := delivery.NewGate(loc)

	evs := make(map[rules.Family]rules.Evaluator, len(deps.Evaluators))
	for _, ev := range deps.Evaluators {
		evs[ev.Family()] = ev
	}

	return &Session{
		cfg:        cfg,
		store:      deps.Store,
		evaluators: evs,
		gate:       dedup.New(deps.Store, deps.Reserver, logger).WithStager(merger),
		feed:       merger,
		lifecycle:  lifecycle.New(deps.Store, merger, cfg.UserID, logger),
		settings:   deps.Settings,
		delivery:   dg,
		dispatcher: delivery.NewDispatcher(dg, sender, logger),
		loc:        loc,
		logger:     logger.With(zap.String("user_id", cfg.UserID)),
		now:        time.Now,
	}
}

// Start loads settings and the feed, then launches the background loops.
// Load failures are logged; the loops retry on their own cadence.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}

	src, err := s.settings.Load(ctx)
	if err != nil {
		s.logger.Warn("settings load failed, using defaults", zap.Error(err))
	} else {
		s.logger.Info("settings loaded", zap.String("source", string(src)))
	}

	s.goLoop(func() { s.feed.Run(ctx) })

	if err := s.lifecycle.Load(ctx, s.cfg.FeedLimit); err != nil {
		s.logger.Warn("initial feed load failed", zap.Error(err))
	}
	s.checkQuietHours()

	s.goLoop(func() { s.pump(ctx) })

	for _, f := range rules.Families {
		interval := s.cfg.Intervals[f]
		if _, ok := s.evaluators[f]; !ok || interval <= 0 {
			continue
		}
		s.goLoop(func() { s.tick(ctx, interval, func() { s.scheduled(ctx, f) }) })
	}
	if s.cfg.QuietTick > 0 {
		s.goLoop(func() { s.tick(ctx, s.cfg.QuietTick, s.checkQuietHours) })
	}
	if s.cfg.ExpirySweep > 0 {
		s.goLoop(func() { s.tick(ctx, s.cfg.ExpirySweep, func() { s.sweep(ctx) }) })
	}

	s.logger.Info("session started",
		zap.Int("feed_limit", s.cfg.FeedLimit),
		zap.Int("families", len(s.evaluators)),
	)
	return nil
}

// Wait blocks until every background loop has returned
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Session) scheduled(ctx context.Context, f rules.Family) {
	if _, err := s.runPass(ctx, []rules.Family{f}); errors.Is(err, ErrEvaluationInProgress) {
		s.logger.Debug("skipping scheduled evaluation, pass in progress", zap.String("family", string(f)))
	}
}

func (s *Session) sweep(ctx context.Context) {
	n, err := s.lifecycle.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn("expiry sweep incomplete", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired notifications removed", zap.Int("count", n))
	}
}

// checkQuietHours tracks the quiet-hours state and logs transitions
func (s *Session) checkQuietHours() {
	active, err := s.delivery.QuietHoursActive(s.settings.Settings(), s.now())
	if err != nil {
		s.logger.Warn("quiet hours misconfigured", zap.Error(err))
		return
	}
	if prev := s.quiet.Swap(active); prev != active {
		if active {
			s.logger.Info("quiet hours started")
		} else {
			s.logger.Info("quiet hours ended")
		}
	}
}

// QuietHoursActive reports the state seen by the last quiet-hours tick
func (s *Session) QuietHoursActive() bool {
	return s.quiet.Load()
}

// Deliveries subscribes to delivery requests
func (s *Session) Deliveries(buffer int) (<-chan delivery.Request, func()) {
	return s.dispatcher.Subscribe(buffer)
}

func (s *Session) Feed(ctx context.Context, sort feed.Sort) ([]*notify.Notification, error) {
	return s.feed.Snapshot(ctx, sort)
}

func (s *Session) Unread(ctx context.Context) ([]*notify.Notification, error) {
	return s.feed.Unread(ctx)
}

func (s *Session) UnreadCount(ctx context.Context) (int, error) {
	return s.feed.UnreadCount(ctx)
}

func (s *Session) MarkRead(ctx context.Context, id string) error {
	return s.lifecycle.MarkRead(ctx, id)
}

func (s *Session) MarkAllRead(ctx context.Context) error {
	return s.lifecycle.MarkAllRead(ctx)
}

func (s *Session) Delete(ctx context.Context, id string) error {
	return s.lifecycle.Delete(ctx, id)
}

func (s *Session) ClearAll(ctx context.Context) error {
	return s.lifecycle.ClearAll(ctx)
}

func (s *Session) Settings() notify.Settings {
	return s.settings.Settings()
}

// UpdateSettings saves settings and re-evaluates quiet hours right away
func (s *Session) UpdateSettings(ctx context.Context, next notify.Settings) error {
	if err := s.settings.UpdateSettings(ctx, next); err != nil {
		return err
	}
	s.checkQuietHours()
	return nil
}

func (s *Session) Preferences() notify.Preferences {
	return s.settings.Preferences()
}

func (s *Session) UpdatePreference(ctx context.Context, category string, enabled bool) error {
	return s.settings.UpdatePreference(ctx, category, enabled)
}
