// Package feed holds the in-process view of a user's notifications. One
// goroutine owns the view; every other caller sends it requests.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/metrics"
	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/store"
)

// ErrStopped is returned once Run has exited
var ErrStopped = errors.New("feed merger stopped")

// DefaultLimit caps the view when no limit is configured
const DefaultLimit = 50

// Sort selects the snapshot ordering
type Sort string

const (
	SortNewest   Sort = "newest"
	SortPriority Sort = "priority"
)

// ParseSort accepts "", newest and priority
func ParseSort(s string) (Sort, error) {
	switch Sort(s) {
	case "", SortNewest:
		return SortNewest, nil
	case SortPriority:
		return SortPriority, nil
	default:
		return "", fmt.Errorf("unknown sort %q", s)
	}
}

// Result describes how a merge request changed the view
type Result string

const (
	ResultInserted   Result = "inserted"
	ResultReconciled Result = "reconciled"
	ResultDuplicate  Result = "duplicate"
	ResultUpdated    Result = "updated"
	ResultRemoved    Result = "removed"
	ResultIgnored    Result = "ignored"
	// ResultDropped marks the arrival of a document whose staged entry was
	// deleted locally before its write landed
	ResultDropped Result = "dropped"
)

// FirstArrival reports whether the authoritative document was seen for the
// first time, either as a new entry or by replacing a staged one.
func (r Result) FirstArrival() bool {
	return r == ResultInserted || r == ResultReconciled
}

// SettleOp names a store write owed for a staged entry
type SettleOp string

const (
	SettleDelete SettleOp = "delete"
	SettleRead   SettleOp = "read"
)

// Settlement is a store write for a lifecycle change made to a staged entry
// before its authoritative document arrived.
type Settlement struct {
	Op     SettleOp
	ID     string
	ReadAt time.Time
}

const (
	pathBulk     = "bulk"
	pathSnapshot = "snapshot"
	pathLive     = "live"
	pathStaged   = "staged"
)

// Merger is the single owner of the merged view
type Merger struct {
	limit    int
	logger   *zap.Logger
	requests chan func(*view)
	done     chan struct{}
}

// New creates a merger. Nothing is served until Run is started.
func New(limit int, logger *zap.Logger) *Merger {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Merger{
		limit:    limit,
		logger:   logger,
		requests: make(chan func(*view)),
		done:     make(chan struct{}),
	}
}

// Run serves requests until ctx is done
func (m *Merger) Run(ctx context.Context) {
	defer close(m.done)
	v := newView(m.limit)

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("feed merger stopped", zap.Int("size", len(v.items)))
			return
		case fn := <-m.requests:
			fn(v)
			metrics.SetFeedSize(len(v.items))
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish
func (m *Merger) do(ctx context.Context, fn func(*view)) error {
	finished := make(chan struct{})
	req := func(v *view) {
		defer close(finished)
		fn(v)
	}

	select {
	case m.requests <- req:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Load replaces the view with a bulk-loaded set. Staged entries whose write
// is still in flight survive the replacement.
func (m *Merger) Load(ctx context.Context, docs []*notify.Notification) error {
	return m.do(ctx, func(v *view) {
		var staged []*notify.Notification
		for _, e := range v.items {
			if e.Temporary() {
				staged = append(staged, e)
			}
		}

		v.items = nil
		for _, n := range docs {
			res := v.add(n.Clone())
			metrics.RecordFeedMerge(pathBulk, string(res))
		}
		for _, e := range staged {
			if v.find(e) < 0 {
				v.items = append(v.items, e)
			}
		}
		v.reorder()
	})
}

// Apply merges one change-feed event into the view
func (m *Merger) Apply(ctx context.Context, ev store.ChangeEvent) (Result, error) {
	if ev.Notification == nil {
		return ResultIgnored, nil
	}
	path := pathLive
	if ev.Initial {
		path = pathSnapshot
	}

	var res Result
	err := m.do(ctx, func(v *view) {
		n := ev.Notification.Clone()
		switch ev.Type {
		case store.EventAdded:
			res = v.add(n)
		case store.EventModified:
			res = v.modify(n)
		case store.EventRemoved:
			res = v.remove(n)
		default:
			res = ResultIgnored
		}
	})
	if err != nil {
		return "", err
	}

	metrics.RecordFeedMerge(path, string(res))
	if res == ResultDuplicate {
		m.logger.Debug("duplicate feed entry ignored",
			zap.String("notification_id", ev.Notification.ID),
			zap.String("path", path),
		)
	}
	return res, nil
}

// Stage inserts a locally-originated notification that carries a temporary id
func (m *Merger) Stage(ctx context.Context, n *notify.Notification) error {
	if n.ID == "" || !n.Temporary() {
		return fmt.Errorf("stage %s: not a temporary id", n.ID)
	}
	var res Result
	err := m.do(ctx, func(v *view) {
		res = v.add(n.Clone())
	})
	if err == nil {
		metrics.RecordFeedMerge(pathStaged, string(res))
	}
	return err
}

// Unstage withdraws a staged entry that was never reconciled
func (m *Merger) Unstage(ctx context.Context, id string) error {
	return m.do(ctx, func(v *view) {
		if i := v.indexOf(id); i >= 0 && v.items[i].Temporary() {
			v.removeAt(i)
		}
		v.forgetStaged(id)
	})
}

// Settlements drains the store writes owed for staged entries whose
// documents have arrived
func (m *Merger) Settlements(ctx context.Context) ([]Settlement, error) {
	var out []Settlement
	err := m.do(ctx, func(v *view) {
		out = v.settle
		v.settle = nil
	})
	return out, err
}

// Snapshot returns copies of the view in the requested order
func (m *Merger) Snapshot(ctx context.Context, s Sort) ([]*notify.Notification, error) {
	var out []*notify.Notification
	err := m.do(ctx, func(v *view) {
		out = cloneAll(v.items)
	})
	if err != nil {
		return nil, err
	}
	if s == SortPriority {
		sortByPriority(out)
	}
	return out, nil
}

// Unread returns unread entries newest-first
func (m *Merger) Unread(ctx context.Context) ([]*notify.Notification, error) {
	var out []*notify.Notification
	err := m.do(ctx, func(v *view) {
		for _, e := range v.items {
			if e.Unread() {
				out = append(out, e.Clone())
			}
		}
	})
	return out, err
}

// UnreadCount counts unread entries
func (m *Merger) UnreadCount(ctx context.Context) (int, error) {
	count := 0
	err := m.do(ctx, func(v *view) {
		for _, e := range v.items {
			if e.Unread() {
				count++
			}
		}
	})
	return count, err
}

// Get returns a copy of one entry, or nil
func (m *Merger) Get(ctx context.Context, id string) (*notify.Notification, error) {
	var out *notify.Notification
	err := m.do(ctx, func(v *view) {
		if i := v.indexOf(id); i >= 0 {
			out = v.items[i].Clone()
		}
	})
	return out, err
}

// MarkRead sets readAt locally. changed is false when the entry is missing
// or already read.
func (m *Merger) MarkRead(ctx context.Context, id string, at time.Time) (found, changed bool, err error) {
	err = m.do(ctx, func(v *view) {
		i := v.indexOf(id)
		if i < 0 {
			return
		}
		found = true
		if v.items[i].ReadAt == nil {
			t := at
			v.items[i].ReadAt = &t
			v.readStaged(v.items[i], at)
			changed = true
		}
	})
	return found, changed, err
}

// MarkAllRead marks every unread entry and returns the ids it changed
func (m *Merger) MarkAllRead(ctx context.Context, at time.Time) ([]string, error) {
	var ids []string
	err := m.do(ctx, func(v *view) {
		for _, e := range v.items {
			if e.ReadAt != nil {
				continue
			}
			t := at
			e.ReadAt = &t
			v.readStaged(e, at)
			ids = append(ids, e.ID)
		}
	})
	return ids, err
}

// Remove deletes one entry locally
func (m *Merger) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := m.do(ctx, func(v *view) {
		if i := v.indexOf(id); i >= 0 {
			v.deleteStaged(v.items[i])
			v.removeAt(i)
			removed = true
		}
	})
	return removed, err
}

// Clear empties the view and returns the removed ids
func (m *Merger) Clear(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.do(ctx, func(v *view) {
		for _, e := range v.items {
			v.deleteStaged(e)
			ids = append(ids, e.ID)
		}
		v.items = nil
	})
	return ids, err
}

// Expire drops entries past their expiry and returns their ids
func (m *Merger) Expire(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := m.do(ctx, func(v *view) {
		kept := v.items[:0]
		for _, e := range v.items {
			if e.Expired(now) {
				v.deleteStaged(e)
				ids = append(ids, e.ID)
				continue
			}
			kept = append(kept, e)
		}
		v.items = kept
	})
	return ids, err
}

// view is only touched from the Run goroutine. items stay newest-first and
// capped at limit.
type view struct {
	items []*notify.Notification
	limit int

	// lifecycle changes made to staged entries, keyed by idempotency key
	deleted map[string]*stagedDelete
	read    map[string]stagedRead
	settle  []Settlement
}

// stagedDelete is kept until the store reports the document removed. id is
// set once the authoritative document has been seen.
type stagedDelete struct {
	tempID string
	id     string
}

type stagedRead struct {
	tempID string
	at     time.Time
}

func newView(limit int) *view {
	return &view{
		limit:   limit,
		deleted: make(map[string]*stagedDelete),
		read:    make(map[string]stagedRead),
	}
}

func (v *view) deleteStaged(e *notify.Notification) {
	if !e.Temporary() || e.IdempotencyKey == "" {
		return
	}
	v.deleted[e.IdempotencyKey] = &stagedDelete{tempID: e.ID}
	delete(v.read, e.IdempotencyKey)
}

func (v *view) readStaged(e *notify.Notification, at time.Time) {
	if !e.Temporary() || e.IdempotencyKey == "" {
		return
	}
	v.read[e.IdempotencyKey] = stagedRead{tempID: e.ID, at: at}
}

// forgetStaged drops pending changes for a staged entry whose write failed
func (v *view) forgetStaged(tempID string) {
	for key, d := range v.deleted {
		if d.tempID == tempID {
			delete(v.deleted, key)
		}
	}
	for key, r := range v.read {
		if r.tempID == tempID {
			delete(v.read, key)
		}
	}
}

// settleArrival applies pending staged changes to an authoritative document.
// It reports false when the document was deleted locally and must not be shown.
func (v *view) settleArrival(n *notify.Notification) bool {
	if n.Temporary() || n.IdempotencyKey == "" {
		return true
	}
	if d, ok := v.deleted[n.IdempotencyKey]; ok {
		d.id = n.ID
		v.settle = append(v.settle, Settlement{Op: SettleDelete, ID: n.ID})
		return false
	}
	if r, ok := v.read[n.IdempotencyKey]; ok {
		delete(v.read, n.IdempotencyKey)
		if n.ReadAt == nil {
			at := r.at
			n.ReadAt = &at
			v.settle = append(v.settle, Settlement{Op: SettleRead, ID: n.ID, ReadAt: r.at})
		}
	}
	return true
}

// find matches an incoming document against the view: same id, then same
// idempotency key, then title plus createdAt to the second for documents
// written without a key.
func (v *view) find(n *notify.Notification) int {
	if n.ID != "" {
		if i := v.indexOf(n.ID); i >= 0 {
			return i
		}
	}
	if n.IdempotencyKey != "" {
		for i, e := range v.items {
			if e.IdempotencyKey == n.IdempotencyKey {
				return i
			}
		}
		return -1
	}
	created := n.CreatedAt.Truncate(time.Second)
	for i, e := range v.items {
		if e.IdempotencyKey == "" && e.Title == n.Title && e.CreatedAt.Truncate(time.Second).Equal(created) {
			return i
		}
	}
	return -1
}

func (v *view) indexOf(id string) int {
	for i, e := range v.items {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (v *view) add(n *notify.Notification) Result {
	if !v.settleArrival(n) {
		return ResultDropped
	}
	i := v.find(n)
	if i < 0 {
		v.items = append(v.items, n)
		v.reorder()
		if v.indexOf(n.ID) < 0 {
			return ResultIgnored
		}
		return ResultInserted
	}

	existing := v.items[i]
	if existing.Temporary() && !n.Temporary() {
		keepReadAt(n, existing)
		v.items[i] = n
		v.reorder()
		return ResultReconciled
	}
	keepReadAt(existing, n)
	return ResultDuplicate
}

func (v *view) modify(n *notify.Notification) Result {
	i := v.find(n)
	if i < 0 {
		return ResultIgnored
	}
	keepReadAt(n, v.items[i])
	v.items[i] = n
	v.reorder()
	return ResultUpdated
}

func (v *view) remove(n *notify.Notification) Result {
	for key, d := range v.deleted {
		if (n.ID != "" && d.id == n.ID) || (n.IdempotencyKey != "" && key == n.IdempotencyKey) {
			delete(v.deleted, key)
		}
	}
	i := v.find(n)
	if i < 0 {
		return ResultIgnored
	}
	v.removeAt(i)
	return ResultRemoved
}

func (v *view) removeAt(i int) {
	v.items = append(v.items[:i], v.items[i+1:]...)
}

func (v *view) reorder() {
	sort.SliceStable(v.items, func(i, j int) bool {
		return newer(v.items[i], v.items[j])
	})
	if len(v.items) > v.limit {
		v.items = v.items[:v.limit]
	}
}

// keepReadAt copies a read mark from prev onto next when next has none
func keepReadAt(next, prev *notify.Notification) {
	if next.ReadAt == nil && prev.ReadAt != nil {
		t := *prev.ReadAt
		next.ReadAt = &t
	}
}

func newer(a, b *notify.Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortByPriority(ns []*notify.Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ri, rj := ns[i].Priority.Rank(), ns[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return newer(ns[i], ns[j])
	})
}

func cloneAll(ns []*notify.Notification) []*notify.Notification {
	out := make([]*notify.Notification, len(ns))
	for i, n := range ns {
		out[i] = n.Clone()
	}
	return out
}
