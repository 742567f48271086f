// Package store defines the notification collection contract shared by the
// Postgres adapter and the in-memory store.
package store

import (
	"context"
	"time"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// Field names that can appear in filters and ordering
const (
	FieldID             = "id"
	FieldUserID         = "user_id"
	FieldType           = "type"
	FieldSubtype        = "subtype"
	FieldEntityKey      = "entity_key"
	FieldCreatedAt      = "created_at"
	FieldReadAt         = "read_at"
	FieldPriority       = "priority"
	FieldIdempotencyKey = "idempotency_key"
)

// Op is a filter comparison
type Op string

const (
	OpEq     Op = "eq"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpIsNull Op = "is_null"
)

// Filter constrains a single field. OpIsNull ignores Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality filter
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Gte builds a lower-bound filter
func Gte(field string, value any) Filter {
	return Filter{Field: field, Op: OpGte, Value: value}
}

// IsNull matches records where field has no value
func IsNull(field string) Filter {
	return Filter{Field: field, Op: OpIsNull}
}

// Query selects notifications. Zero Limit means no limit; empty OrderBy
// defaults to created_at.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Patch lists the mutable fields of a notification. Only non-nil fields are
// written, and a stored ReadAt is never overwritten or cleared.
type Patch struct {
	ReadAt *time.Time
}

// Update pairs an id with its patch for batch writes
type Update struct {
	ID    string
	Patch Patch
}

// EventType is the kind of change-feed event
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// ChangeEvent is one entry of the live change-feed. Initial is set for the
// snapshot delivered when a subscription opens. Removed events carry at least
// the notification ID.
type ChangeEvent struct {
	Type         EventType
	Notification *notify.Notification
	Initial      bool
}

// NotificationStore is the durable keyed collection of notifications
type NotificationStore interface {
	Query(ctx context.Context, q Query) ([]*notify.Notification, error)
	// Create assigns ID and CreatedAt on n.
	Create(ctx context.Context, n *notify.Notification) error
	Update(ctx context.Context, id string, p Patch) error
	BatchUpdate(ctx context.Context, updates []Update) error
	Delete(ctx context.Context, id string) error
	BatchDelete(ctx context.Context, ids []string) error
	// Subscribe streams changes matching q until ctx is done, when the channel closes.
	Subscribe(ctx context.Context, q Query) (<-chan ChangeEvent, error)
}

// ForUser returns the feed query for a user's newest notifications
func ForUser(userID string, limit int) Query {
	return Query{
		Filters: []Filter{Eq(FieldUserID, userID)},
		OrderBy: FieldCreatedAt,
		Desc:    true,
		Limit:   limit,
	}
}
