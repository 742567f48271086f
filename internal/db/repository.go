package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/store"
)

// Repository is the Postgres NotificationStore
type Repository struct {
	db     *DB
	logger *zap.Logger
}

var _ store.NotificationStore = (*Repository)(nil)

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) Query(ctx context.Context, q store.Query) ([]*notify.Notification, error) {
	sql, args, err := selectSQL(q)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", classify(err))
	}
	defer rows.Close()

	var out []*notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query notifications: %w", classify(err))
	}
	return out, nil
}

// Create inserts n and sets its ID and CreatedAt. created_at comes from
// clock_timestamp() so rows created in one transaction still differ.
func (r *Repository) Create(ctx context.Context, n *notify.Notification) error {
	meta, err := notify.EncodeMetadata(n.Type, n.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", notify.ErrValidation, err)
	}

	id := uuid.NewString()
	query := `
		INSERT INTO notifications (
			id, idempotency_key, user_id, type, subtype, entity_key,
			title, message, priority, metadata, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		RETURNING created_at
	`

	var created time.Time
	err = r.db.pool.QueryRow(ctx, query,
		id,
		nullable(n.IdempotencyKey),
		n.UserID,
		string(n.Type),
		string(n.Subtype),
		n.EntityKey,
		n.Title,
		n.Message,
		string(n.Priority),
		[]byte(meta),
		n.ExpiresAt,
	).Scan(&created)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("user_id", n.UserID),
			zap.String("type", string(n.Type)),
		)
		return fmt.Errorf("insert notification: %w", classify(err))
	}

	n.ID = id
	n.CreatedAt = created
	return nil
}

func (r *Repository) Update(ctx context.Context, id string, p store.Patch) error {
	return r.BatchUpdate(ctx, []store.Update{{ID: id, Patch: p}})
}

// BatchUpdate applies every update in one transaction. A missing id rolls
// the whole batch back with ErrNotFound. read_at is only ever set once.
func (r *Repository) BatchUpdate(ctx context.Context, updates []store.Update) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`UPDATE notifications SET read_at = COALESCE(read_at, $1) WHERE id = $2`, u.Patch.ReadAt, u.ID)
	}

	results := tx.SendBatch(ctx, batch)
	for _, u := range updates {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return fmt.Errorf("update notification %s: %w", u.ID, classify(err))
		}
		if tag.RowsAffected() == 0 {
			_ = results.Close()
			return fmt.Errorf("%w: %s", notify.ErrNotFound, u.ID)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("update notifications: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.BatchDelete(ctx, []string{id})
}

// BatchDelete removes every listed id that exists. Only a single-id delete
// of a missing row reports ErrNotFound.
func (r *Repository) BatchDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tag, err := r.db.pool.Exec(ctx, `DELETE FROM notifications WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete notifications: %w", classify(err))
	}
	if len(ids) == 1 && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", notify.ErrNotFound, ids[0])
	}

	r.logger.Debug("notifications deleted",
		zap.Int("requested", len(ids)),
		zap.Int64("deleted", tag.RowsAffected()),
	)
	return nil
}

// get fetches one notification by id, constrained by extra filters
func (r *Repository) get(ctx context.Context, id string, filters []store.Filter) (*notify.Notification, error) {
	q := store.Query{Filters: append([]store.Filter{store.Eq(store.FieldID, id)}, filters...), Limit: 1}
	docs, err := r.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", notify.ErrNotFound, id)
	}
	return docs[0], nil
}
