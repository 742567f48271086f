package notify

import (
	"strings"
	"time"
)

// Type is the notification family shown to the user
type Type string

const (
	TypeBudget  Type = "budget"
	TypeGoal    Type = "goal"
	TypeExpense Type = "expense"
	TypeIncome  Type = "income"
	TypeSystem  Type = "system"
)

// Subtype refines Type for deduplication
type Subtype string

const (
	SubtypeThreshold        Subtype = "threshold"
	SubtypeExceeded         Subtype = "exceeded"
	SubtypeCompleted        Subtype = "completed"
	SubtypeProgress25       Subtype = "progress_25"
	SubtypeProgress50       Subtype = "progress_50"
	SubtypeProgress75       Subtype = "progress_75"
	SubtypeLargeTransaction Subtype = "large_transaction"
	SubtypeMonthlyReport    Subtype = "monthly_report"
)

// Priority drives sort order and delivery eligibility
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities from low (0) to critical (3). Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

// TempIDPrefix marks identifiers synthesized locally before the store assigns one.
const TempIDPrefix = "tmp-"

// Notification is a durable alert record owned by the store
type Notification struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	UserID         string     `json:"user_id"`
	Type           Type       `json:"type"`
	Subtype        Subtype    `json:"subtype"`
	EntityKey      string     `json:"entity_key,omitempty"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Priority       Priority   `json:"priority"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Metadata       Metadata   `json:"-"`
}

// Unread reports whether the notification has never been read
func (n *Notification) Unread() bool {
	return n.ReadAt == nil
}

// Temporary reports whether ID is a locally-synthesized placeholder
func (n *Notification) Temporary() bool {
	return n.ID == "" || strings.HasPrefix(n.ID, TempIDPrefix)
}

// Expired reports whether now is past ExpiresAt
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// Category returns the preference category the notification belongs to
func (n *Notification) Category() Category {
	return CategoryFor(n.Type, n.Subtype)
}

// Clone returns a deep copy so callers can't mutate shared state
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	if n.ExpiresAt != nil {
		t := *n.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Window bounds how often an occurrence may fire. A zero Start means unbounded.
type Window struct {
	Start time.Time
}

// Bounded reports whether the window has a start
func (w Window) Bounded() bool {
	return !w.Start.IsZero()
}

// Candidate is an unsaved, rule-produced notification awaiting the dedup check
type Candidate struct {
	IdempotencyKey string
	UserID         string
	Type           Type
	Subtype        Subtype
	EntityKey      string
	Title          string
	Message        string
	Priority       Priority
	Metadata       Metadata
	ExpiresAt      *time.Time
	Window         Window
}

// Notification builds the record persisted for this candidate. ID and CreatedAt
// are left for the store to assign.
func (c Candidate) Notification() *Notification {
	n := &Notification{
		IdempotencyKey: c.IdempotencyKey,
		UserID:         c.UserID,
		Type:           c.Type,
		Subtype:        c.Subtype,
		EntityKey:      c.EntityKey,
		Title:          c.Title,
		Message:        c.Message,
		Priority:       c.Priority,
		Metadata:       c.Metadata,
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		n.ExpiresAt = &t
	}
	return n
}
