package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/feed"
	"github.com/lalithlochan/finwatch/internal/metrics"
	"github.com/lalithlochan/finwatch/internal/store"
)

// pump keeps one change-feed subscription open, resubscribing with
// exponential backoff whenever the feed closes or cannot be opened. Only the
// first subscription's snapshot is covered by the initial bulk load; later
// snapshots can carry notifications written while the feed was down.
func (s *Session) pump(ctx context.Context) {
	backoff := s.cfg.MinBackoff
	q := store.ForUser(s.cfg.UserID, s.cfg.FeedLimit)
	resumed := false

	for {
		events, err := s.store.Subscribe(ctx, q)
		if err != nil {
			s.logger.Warn("change feed subscribe failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			backoff = s.cfg.MinBackoff
			for ev := range events {
				if err := s.handle(ctx, ev, resumed); errors.Is(err, feed.ErrStopped) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("change feed closed, resubscribing", zap.Duration("retry_in", backoff))
		}

		resumed = true
		metrics.RecordResubscribe()
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
}

// handle merges one event and dispatches delivery for notifications seen
// for the first time. Snapshot events are dispatched only after a resubscribe.
func (s *Session) handle(ctx context.Context, ev store.ChangeEvent, resumed bool) error {
	res, err := s.feed.Apply(ctx, ev)
	if err != nil {
		return err
	}
	if res.FirstArrival() || res == feed.ResultDropped {
		if err := s.lifecycle.Settle(ctx); errors.Is(err, feed.ErrStopped) {
			return err
		}
	}
	if ev.Type != store.EventAdded || !res.FirstArrival() {
		return nil
	}

	// the merged entry carries read marks made while the write was staged
	n, err := s.feed.Get(ctx, ev.Notification.ID)
	if err != nil || n == nil {
		return err
	}
	if n.Expired(s.now()) {
		if err := s.lifecycle.Expire(ctx, n.ID); errors.Is(err, feed.ErrStopped) {
			return err
		}
		return nil
	}
	if (ev.Initial && !resumed) || !n.Unread() {
		return nil
	}
	s.dispatcher.Dispatch(ctx, n, s.settings.Settings(), s.settings.Preferences())
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
