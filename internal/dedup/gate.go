// Package dedup suppresses candidates whose occurrence already fired in its window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/metrics"
	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/store"
)

// Reserver narrows the query-then-insert race between writers. Optional.
type Reserver interface {
	Reserve(ctx context.Context, userID, occurrence string) (bool, error)
	Release(ctx context.Context, userID, occurrence string) error
}

// Stager mirrors a notification locally while its store write is in flight.
// The staged copy carries a temporary id and the candidate's idempotency key.
type Stager interface {
	Stage(ctx context.Context, n *notify.Notification) error
	Unstage(ctx context.Context, id string) error
}

// Outcome describes what Emit did with a candidate
type Outcome string

const (
	OutcomeEmitted    Outcome = "emitted"
	OutcomeSuppressed Outcome = "suppressed"
)

// Gate checks the store for an existing notification of the same occurrence
// before persisting a candidate. The check and the insert are not atomic.
type Gate struct {
	store    store.NotificationStore
	reserver Reserver
	stager   Stager
	logger   *zap.Logger
}

// New creates a dedup gate. reserver may be nil.
func New(s store.NotificationStore, reserver Reserver, logger *zap.Logger) *Gate {
	return &Gate{store: s, reserver: reserver, logger: logger}
}

// WithStager makes Emit stage each notification before it is written
func (g *Gate) WithStager(s Stager) *Gate {
	g.stager = s
	return g
}

// Occurrence is the logical identity of a candidate, without its window
func Occurrence(c notify.Candidate) string {
	return fmt.Sprintf("%s:%s:%s", c.Type, c.Subtype, c.EntityKey)
}

// ShouldEmit reports whether no notification with the same user, type,
// subtype and entity exists inside the candidate's window.
func (g *Gate) ShouldEmit(ctx context.Context, c notify.Candidate) (bool, error) {
	q := store.Query{
		Filters: []store.Filter{
			store.Eq(store.FieldUserID, c.UserID),
			store.Eq(store.FieldType, c.Type),
			store.Eq(store.FieldSubtype, c.Subtype),
			store.Eq(store.FieldEntityKey, c.EntityKey),
		},
		Limit: 1,
	}
	if c.Window.Bounded() {
		q.Filters = append(q.Filters, store.Gte(store.FieldCreatedAt, c.Window.Start))
	}

	existing, err := g.store.Query(ctx, q)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return len(existing) == 0, nil
}

// Emit persists c unless it is a duplicate. The returned notification is nil
// when the candidate was suppressed.
func (g *Gate) Emit(ctx context.Context, c notify.Candidate) (*notify.Notification, Outcome, error) {
	occurrence := Occurrence(c)

	if g.reserver != nil {
		held, err := g.reserver.Reserve(ctx, c.UserID, occurrence)
		switch {
		case err != nil:
			g.logger.Warn("dedup reservation unavailable, using store check only",
				zap.Error(err),
				zap.String("user_id", c.UserID),
				zap.String("occurrence", occurrence),
			)
		case !held:
			metrics.RecordReservationConflict()
			return nil, OutcomeSuppressed, nil
		default:
			defer g.release(c.UserID, occurrence)
		}
	}

	ok, err := g.ShouldEmit(ctx, c)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		g.logger.Debug("candidate suppressed",
			zap.String("user_id", c.UserID),
			zap.String("occurrence", occurrence),
		)
		return nil, OutcomeSuppressed, nil
	}

	n := c.Notification()
	tmpID := g.stage(ctx, n)
	if err := g.store.Create(ctx, n); err != nil {
		if tmpID != "" {
			if uerr := g.stager.Unstage(ctx, tmpID); uerr != nil {
				g.logger.Warn("failed to unstage notification", zap.Error(uerr), zap.String("temp_id", tmpID))
			}
		}
		return nil, "", fmt.Errorf("persist notification: %w", err)
	}

	g.logger.Info("notification emitted",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
		zap.String("subtype", string(n.Subtype)),
		zap.String("entity_key", n.EntityKey),
	)
	return n, OutcomeEmitted, nil
}

// stage returns the temporary id used, or "" when nothing was staged
func (g *Gate) stage(ctx context.Context, n *notify.Notification) string {
	if g.stager == nil || n.IdempotencyKey == "" {
		return ""
	}
	tmp := n.Clone()
	tmp.ID = notify.TempIDPrefix + uuid.NewString()
	tmp.CreatedAt = time.Now()
	if err := g.stager.Stage(ctx, tmp); err != nil {
		g.logger.Debug("staging skipped", zap.Error(err))
		return ""
	}
	return tmp.ID
}

// release runs after the store write has been committed (or failed), so the
// store check covers any later writer.
func (g *Gate) release(userID, occurrence string) {
	if err := g.reserver.Release(context.Background(), userID, occurrence); err != nil {
		g.logger.Warn("failed to release dedup reservation",
			zap.Error(err),
			zap.String("occurrence", occurrence),
		)
	}
}
