package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/store"
)

// ChangeChannel is the NOTIFY channel written by the notifications trigger
const ChangeChannel = "notification_changes"

// changePayload is the JSON body the trigger sends with pg_notify
type changePayload struct {
	Op     string `json:"op"` // INSERT, UPDATE or DELETE
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

func parsePayload(raw string) (changePayload, error) {
	var p changePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode change payload: %w", err)
	}
	if p.ID == "" {
		return p, errors.New("change payload without id")
	}
	return p, nil
}

func (p changePayload) eventType() (store.EventType, bool) {
	switch p.Op {
	case "INSERT":
		return store.EventAdded, true
	case "UPDATE":
		return store.EventModified, true
	case "DELETE":
		return store.EventRemoved, true
	default:
		return "", false
	}
}

// userFilter returns the user id an equality filter pins q to, if any
func userFilter(q store.Query) string {
	for _, f := range q.Filters {
		if f.Field != store.FieldUserID || f.Op != store.OpEq {
			continue
		}
		if s, err := store.StringValue(f.Value); err == nil {
			return s
		}
	}
	return ""
}

// Subscribe holds one pooled connection in LISTEN mode. The snapshot is
// read after LISTEN so no change falls between the two; duplicates are left
// to the consumer. The channel closes when ctx is done or the connection
// fails.
func (r *Repository) Subscribe(ctx context.Context, q store.Query) (<-chan store.ChangeEvent, error) {
	conn, err := r.db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", classify(err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", classify(err))
	}

	snapshot, err := r.Query(ctx, q)
	if err != nil {
		conn.Release()
		return nil, err
	}

	out := make(chan store.ChangeEvent, 64)
	go func() {
		defer close(out)
		defer func() {
			unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = conn.Exec(unlistenCtx, "UNLISTEN "+ChangeChannel)
			conn.Release()
		}()

		for _, n := range snapshot {
			if !send(ctx, out, store.ChangeEvent{Type: store.EventAdded, Notification: n, Initial: true}) {
				return
			}
		}

		user := userFilter(q)
		for {
			msg, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("change feed listener failed", zap.Error(err))
				}
				return
			}

			p, err := parsePayload(msg.Payload)
			if err != nil {
				r.logger.Warn("ignoring malformed change notification", zap.Error(err))
				continue
			}
			if user != "" && p.UserID != user {
				continue
			}

			ev, ok := r.event(ctx, p, q.Filters)
			if !ok {
				continue
			}
			if !send(ctx, out, ev) {
				return
			}
		}
	}()

	r.logger.Info("change feed subscribed",
		zap.String("user_id", userFilter(q)),
		zap.Int("snapshot", len(snapshot)),
	)
	return out, nil
}

// event resolves a payload into a change event. Inserted and updated rows
// are re-read so the event carries the full document.
func (r *Repository) event(ctx context.Context, p changePayload, filters []store.Filter) (store.ChangeEvent, bool) {
	t, ok := p.eventType()
	if !ok {
		return store.ChangeEvent{}, false
	}
	if t == store.EventRemoved {
		return store.ChangeEvent{Type: t, Notification: &notify.Notification{ID: p.ID, UserID: p.UserID}}, true
	}

	n, err := r.get(ctx, p.ID, filters)
	if err != nil {
		if !errors.Is(err, notify.ErrNotFound) {
			r.logger.Warn("failed to load changed notification", zap.Error(err), zap.String("notification_id", p.ID))
		}
		return store.ChangeEvent{}, false
	}
	return store.ChangeEvent{Type: t, Notification: n}, true
}

func send(ctx context.Context, out chan<- store.ChangeEvent, ev store.ChangeEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
