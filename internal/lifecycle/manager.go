// Package lifecycle applies read, delete and expiry transitions to the local
// feed first and then to the store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/feed"
	"github.com/lalithlochan/finwatch/internal/metrics"
	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/store"
)

const (
	OpMarkRead    = "mark_read"
	OpMarkAllRead = "mark_all_read"
	OpDelete      = "delete"
	OpClearAll    = "clear_all"
	OpExpire      = "expire"
)

// Warning reports a store failure after the local change was already made.
// The local change is kept.
type Warning struct {
	Op  string
	ID  string
	Err error
}

func (w *Warning) Error() string {
	if w.ID != "" {
		return fmt.Sprintf("%s %s applied locally, store write failed: %v", w.Op, w.ID, w.Err)
	}
	return fmt.Sprintf("%s applied locally, store write failed: %v", w.Op, w.Err)
}

func (w *Warning) Unwrap() error {
	return w.Err
}

// Manager owns lifecycle transitions for one user
type Manager struct {
	store  store.NotificationStore
	feed   *feed.Merger
	userID string
	logger *zap.Logger
	now    func() time.Time
}

func New(s store.NotificationStore, f *feed.Merger, userID string, logger *zap.Logger) *Manager {
	return &Manager{
		store:  s,
		feed:   f,
		userID: userID,
		logger: logger,
		now:    time.Now,
	}
}

// Load bulk-loads the newest limit notifications into the feed. Expired ones
// are deleted from the store instead of being shown.
func (m *Manager) Load(ctx context.Context, limit int) error {
	docs, err := m.store.Query(ctx, store.ForUser(m.userID, limit))
	if err != nil {
		return fmt.Errorf("load feed: %w", err)
	}

	now := m.now()
	live := make([]*notify.Notification, 0, len(docs))
	var expired []string
	for _, n := range docs {
		if n.Expired(now) {
			expired = append(expired, n.ID)
			continue
		}
		live = append(live, n)
	}

	if err := m.feed.Load(ctx, live); err != nil {
		return fmt.Errorf("load feed: %w", err)
	}

	if len(expired) > 0 {
		if err := m.store.BatchDelete(ctx, expired); err != nil {
			m.record(OpExpire, err)
			m.logger.Warn("failed to delete expired notifications",
				zap.Error(err),
				zap.Int("count", len(expired)),
			)
		} else {
			m.record(OpExpire, nil)
		}
	}

	if err := m.Settle(ctx); errors.Is(err, feed.ErrStopped) {
		return fmt.Errorf("load feed: %w", err)
	}

	m.logger.Info("feed loaded",
		zap.String("user_id", m.userID),
		zap.Int("loaded", len(live)),
		zap.Int("expired", len(expired)),
	)
	return nil
}

// MarkRead marks one notification read. Marking an already-read entry is a
// no-op. A store failure returns *Warning and keeps the local change.
func (m *Manager) MarkRead(ctx context.Context, id string) error {
	now := m.now()
	found, changed, err := m.feed.MarkRead(ctx, id, now)
	if err != nil {
		return err
	}
	if found && !changed {
		return nil
	}
	if isTemporary(id) {
		return m.localOnly(OpMarkRead, id, found)
	}

	err = m.store.Update(ctx, id, store.Patch{ReadAt: &now})
	return m.finish(OpMarkRead, id, found, err)
}

// MarkAllRead marks every unread notification of the user
func (m *Manager) MarkAllRead(ctx context.Context) error {
	now := m.now()
	local, err := m.feed.MarkAllRead(ctx, now)
	if err != nil {
		return err
	}

	ids := m.storeIDs(ctx, []store.Filter{store.IsNull(store.FieldReadAt)}, local)
	if len(ids) == 0 {
		m.record(OpMarkAllRead, nil)
		return nil
	}

	updates := make([]store.Update, len(ids))
	for i, id := range ids {
		updates[i] = store.Update{ID: id, Patch: store.Patch{ReadAt: &now}}
	}
	err = m.store.BatchUpdate(ctx, updates)
	return m.finish(OpMarkAllRead, "", true, err)
}

// Delete removes one notification
func (m *Manager) Delete(ctx context.Context, id string) error {
	removed, err := m.feed.Remove(ctx, id)
	if err != nil {
		return err
	}
	if isTemporary(id) {
		return m.localOnly(OpDelete, id, removed)
	}

	err = m.store.Delete(ctx, id)
	return m.finish(OpDelete, id, removed, err)
}

// ClearAll removes every notification of the user
func (m *Manager) ClearAll(ctx context.Context) error {
	local, err := m.feed.Clear(ctx)
	if err != nil {
		return err
	}

	ids := m.storeIDs(ctx, nil, local)
	if len(ids) == 0 {
		m.record(OpClearAll, nil)
		return nil
	}
	err = m.store.BatchDelete(ctx, ids)
	return m.finish(OpClearAll, "", true, err)
}

// SweepExpired drops feed entries past expiry and deletes them from the store
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ids, err := m.feed.Expire(ctx, m.now())
	if err != nil {
		return 0, err
	}
	ids = withoutTemporary(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	err = m.store.BatchDelete(ctx, ids)
	return len(ids), m.finish(OpExpire, "", true, err)
}

// Expire drops one notification that arrived already past its expiry
func (m *Manager) Expire(ctx context.Context, id string) error {
	if _, err := m.feed.Remove(ctx, id); err != nil {
		return err
	}
	if isTemporary(id) {
		return nil
	}
	return m.finish(OpExpire, id, true, m.store.Delete(ctx, id))
}

// Settle writes read marks and deletes that were applied to staged entries
// before their documents were persisted. A document already gone from the
// store counts as settled.
func (m *Manager) Settle(ctx context.Context) error {
	pending, err := m.feed.Settlements(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range pending {
		var op string
		switch s.Op {
		case feed.SettleDelete:
			op = OpDelete
			err = m.store.Delete(ctx, s.ID)
		case feed.SettleRead:
			op = OpMarkRead
			at := s.ReadAt
			err = m.store.Update(ctx, s.ID, store.Patch{ReadAt: &at})
		default:
			continue
		}
		if errors.Is(err, notify.ErrNotFound) {
			err = nil
		}
		if err := m.finish(op, s.ID, true, err); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// storeIDs lists the user's notification ids matching extra filters, falling
// back to the locally known ids when the store can't be queried
func (m *Manager) storeIDs(ctx context.Context, extra []store.Filter, local []string) []string {
	q := store.Query{
		Filters: append([]store.Filter{store.Eq(store.FieldUserID, m.userID)}, extra...),
	}
	docs, err := m.store.Query(ctx, q)
	if err != nil {
		m.logger.Warn("falling back to local ids for batch operation", zap.Error(err))
		return withoutTemporary(local)
	}

	ids := make([]string, len(docs))
	for i, n := range docs {
		ids[i] = n.ID
	}
	return ids
}

// finish classifies a store result. A NotFound for an id that was never in
// the feed is returned as is; every other failure becomes a Warning.
func (m *Manager) finish(op, id string, local bool, err error) error {
	if err == nil {
		m.record(op, nil)
		return nil
	}
	if !local && errors.Is(err, notify.ErrNotFound) {
		m.record(op, err)
		return err
	}

	m.record(op, err)
	m.logger.Warn("lifecycle store write failed, keeping local change",
		zap.String("op", op),
		zap.String("notification_id", id),
		zap.Error(err),
	)
	return &Warning{Op: op, ID: id, Err: err}
}

// localOnly handles staged entries that have no store id yet
func (m *Manager) localOnly(op, id string, found bool) error {
	if !found {
		return fmt.Errorf("%w: %s", notify.ErrNotFound, id)
	}
	m.record(op, nil)
	return nil
}

func (m *Manager) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrNotFound):
		result = "not_found"
	default:
		result = "warning"
	}
	metrics.RecordLifecycleOp(op, result)
}

func isTemporary(id string) bool {
	n := notify.Notification{ID: id}
	return n.Temporary()
}

func withoutTemporary(ids []string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if !isTemporary(id) {
			out = append(out, id)
		}
	}
	return out
}
