package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// MemoryStore is an in-process NotificationStore with a live change-feed.
// createdAt values it assigns are strictly increasing.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]*notify.Notification
	lastCreated time.Time
	now         func() time.Time
	subs        map[*subscriber]struct{}
	registered  int
}

// NewMemoryStore creates an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		docs: make(map[string]*notify.Notification),
		now:  now,
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribers returns how many subscriptions have ever been opened
func (s *MemoryStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]*notify.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", notify.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(q)
}

func (s *MemoryStore) queryLocked(q Query) ([]*notify.Notification, error) {
	var out []*notify.Notification
	for _, n := range s.docs {
		ok, err := matches(n, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n.Clone())
		}
	}

	sortNotifications(out, q.OrderBy, q.Desc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, n *notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now()
	if !created.After(s.lastCreated) {
		created = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = created

	n.ID = uuid.New().String()
	n.CreatedAt = created

	doc := n.Clone()
	s.docs[doc.ID] = doc
	s.publishLocked(EventAdded, doc)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) error {
	return s.BatchUpdate(ctx, []Update{{ID: id, Patch: p}})
}

// BatchUpdate applies every update or none: a missing id aborts the batch.
func (s *MemoryStore) BatchUpdate(ctx context.Context, updates []Update) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if _, ok := s.docs[u.ID]; !ok {
			return fmt.Errorf("%w: %s", notify.ErrNotFound, u.ID)
		}
	}
	for _, u := range updates {
		doc := s.docs[u.ID]
		if u.Patch.ReadAt == nil || doc.ReadAt != nil {
			continue
		}
		t := *u.Patch.ReadAt
		doc.ReadAt = &t
		s.publishLocked(EventModified, doc)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	return s.BatchDelete(ctx, []string{id})
}

// BatchDelete removes every id that exists. It fails with ErrNotFound only
// when a single-id delete targets a missing record.
func (s *MemoryStore) BatchDelete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		doc, ok := s.docs[id]
		if !ok {
			continue
		}
		delete(s.docs, id)
		removed++
		s.publishLocked(EventRemoved, doc)
	}
	if len(ids) == 1 && removed == 0 {
		return fmt.Errorf("%w: %s", notify.ErrNotFound, ids[0])
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (<-chan ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	initial, err := s.queryLocked(q)
	if err != nil {
		return nil, err
	}

	sub := newSubscriber(q.Filters)
	for _, n := range initial {
		sub.push(ChangeEvent{Type: EventAdded, Notification: n, Initial: true})
	}
	s.subs[sub] = struct{}{}
	s.registered++

	go func() {
		sub.pump(ctx)
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()
	return sub.out, nil
}

func (s *MemoryStore) publishLocked(t EventType, doc *notify.Notification) {
	for sub := range s.subs {
		ok, err := matches(doc, sub.filters)
		if err != nil || !ok {
			continue
		}
		sub.push(ChangeEvent{Type: t, Notification: doc.Clone()})
	}
}

// subscriber buffers events without bound so publishers never block
type subscriber struct {
	filters []Filter
	mu      sync.Mutex
	pending []ChangeEvent
	signal  chan struct{}
	out     chan ChangeEvent
}

func newSubscriber(filters []Filter) *subscriber {
	return &subscriber{
		filters: filters,
		signal:  make(chan struct{}, 1),
		out:     make(chan ChangeEvent),
	}
}

func (s *subscriber) push(ev ChangeEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}

		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		}
	}
}

func matches(n *notify.Notification, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matchFilter(n, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchFilter(n *notify.Notification, f Filter) (bool, error) {
	switch f.Field {
	case FieldCreatedAt:
		return compareTime(&n.CreatedAt, f)
	case FieldReadAt:
		return compareTime(n.ReadAt, f)
	}

	var got string
	switch f.Field {
	case FieldID:
		got = n.ID
	case FieldUserID:
		got = n.UserID
	case FieldType:
		got = string(n.Type)
	case FieldSubtype:
		got = string(n.Subtype)
	case FieldEntityKey:
		got = n.EntityKey
	case FieldPriority:
		got = string(n.Priority)
	case FieldIdempotencyKey:
		got = n.IdempotencyKey
	default:
		return false, fmt.Errorf("unknown filter field: %s", f.Field)
	}

	switch f.Op {
	case OpEq:
		want, err := StringValue(f.Value)
		if err != nil {
			return false, err
		}
		return got == want, nil
	case OpIsNull:
		return got == "", nil
	default:
		return false, fmt.Errorf("operator %s not supported on %s", f.Op, f.Field)
	}
}

func compareTime(got *time.Time, f Filter) (bool, error) {
	if f.Op == OpIsNull {
		return got == nil, nil
	}
	want, ok := f.Value.(time.Time)
	if !ok {
		return false, fmt.Errorf("filter on %s needs a time.Time, got %T", f.Field, f.Value)
	}
	if got == nil {
		return false, nil
	}
	switch f.Op {
	case OpEq:
		return got.Equal(want), nil
	case OpGte:
		return !got.Before(want), nil
	case OpLt:
		return got.Before(want), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", f.Op)
	}
}

// StringValue normalizes a filter value for string-typed fields
func StringValue(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case notify.Type:
		return string(s), nil
	case notify.Subtype:
		return string(s), nil
	case notify.Priority:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("unsupported filter value %T", v)
	}
}

func sortNotifications(ns []*notify.Notification, orderBy string, desc bool) {
	less := func(a, b *notify.Notification) bool {
		if orderBy == FieldPriority && a.Priority != b.Priority {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	sort.SliceStable(ns, func(i, j int) bool {
		if desc {
			return less(ns[j], ns[i])
		}
		return less(ns[i], ns[j])
	})
}
