package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ReservationTTL caps how long an occurrence stays reserved if the holder
// never releases it.
const ReservationTTL = 2 * time.Minute

// Reservations serializes concurrent attempts to persist the same
// notification occurrence across processes, using SET NX.
type Reservations struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewReservations creates a reservation service. ttl <= 0 uses ReservationTTL.
func NewReservations(client *Client, ttl time.Duration, logger *zap.Logger) *Reservations {
	if ttl <= 0 {
		ttl = ReservationTTL
	}
	return &Reservations{client: client, logger: logger, ttl: ttl}
}

func (r *Reservations) buildKey(userID, occurrence string) string {
	return fmt.Sprintf("dedup:%s:%s", userID, occurrence)
}

// Reserve returns true if the caller now holds the occurrence, false if
// another writer holds it.
func (r *Reservations) Reserve(ctx context.Context, userID, occurrence string) (bool, error) {
	set, err := r.client.rdb.SetNX(ctx, r.buildKey(userID, occurrence), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		r.logger.Debug("occurrence already reserved",
			zap.String("user_id", userID),
			zap.String("occurrence", occurrence),
		)
	}
	return set, nil
}

// Release drops a reservation so a failed write can be retried immediately.
func (r *Reservations) Release(ctx context.Context, userID, occurrence string) error {
	if err := r.client.rdb.Del(ctx, r.buildKey(userID, occurrence)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
