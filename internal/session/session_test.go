package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/delivery"
	"github.com/lalithlochan/finwatch/internal/feed"
	"github.com/lalithlochan/finwatch/internal/finance"
	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/rules"
	"github.com/lalithlochan/finwatch/internal/settings"
	"github.com/lalithlochan/finwatch/internal/store"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	session *Session
	store   *store.MemoryStore
	ledger  *finance.Ledger
}

func newFixture(t *testing.T, s store.NotificationStore, mem *store.MemoryStore, evs ...rules.Evaluator) *fixture {
	t.Helper()
	ledger := finance.NewLedger()
	if len(evs) == 0 {
		evs = []rules.Evaluator{rules.NewBudgetRule(ledger), rules.NewTransactionRule(ledger)}
	}

	sess := New(Config{UserID: "u-1", FeedLimit: 20, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, Deps{
		Store:      s,
		Evaluators: evs,
		Settings:   settings.NewService("u-1", nil, nil, zap.NewNop()),
		Location:   time.UTC,
	}, zap.NewNop())
	sess.now = func() time.Time { return testNow }
	return &fixture{session: sess, store: mem, ledger: ledger}
}

func (fx *fixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		fx.session.Wait()
	})
	if err := fx.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return ctx
}

// neverQuiet disables quiet hours so delivery doesn't depend on the wall clock
func (fx *fixture) neverQuiet(t *testing.T, ctx context.Context) {
	t.Helper()
	s := notify.DefaultSettings()
	s.QuietHoursStart, s.QuietHoursEnd = "00:00", "00:00"
	if err := fx.session.UpdateSettings(ctx, s); err != nil {
		t.Fatalf("update settings: %v", err)
	}
}

func (fx *fixture) budget(limit, spent int64) {
	fx.ledger.PutBudget(finance.Budget{ID: "b-1", UserID: "u-1", Category: "Food", Limit: decimal.NewFromInt(limit), Active: true})
	fx.ledger.PutTransaction(finance.Transaction{
		ID: "t-1", UserID: "u-1", Kind: finance.KindExpense,
		Amount: decimal.NewFromInt(spent), Category: "Food", Date: testNow.Add(-time.Hour),
	})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func familyReport(t *testing.T, r *PassReport, f rules.Family) FamilyReport {
	t.Helper()
	for _, fr := range r.Families {
		if fr.Family == f {
			return fr
		}
	}
	t.Fatalf("no report for %s", f)
	return FamilyReport{}
}

func TestSession_RefreshIsDeduplicated(t *testing.T) {
	mem := store.NewMemoryStore(func() time.Time { return testNow })
	fx := newFixture(t, mem, mem)
	ctx := fx.start(t)
	fx.budget(500, 420)

	first, err := fx.session.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if fr := familyReport(t, first, rules.FamilyBudget); fr.Emitted != 1 {
		t.Fatalf("expected one emitted budget candidate, got %+v", fr)
	}

	second, err := fx.session.Refresh(ctx)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if fr := familyReport(t, second, rules.FamilyBudget); fr.Emitted != 0 || fr.Suppressed != 1 {
		t.Fatalf("expected the rerun to be suppressed, got %+v", fr)
	}

	docs, _ := mem.Query(ctx, store.ForUser("u-1", 0))
	if len(docs) != 1 || docs[0].Subtype != notify.SubtypeThreshold {
		t.Fatalf("expected one threshold notification, got %d", len(docs))
	}
}

func TestSession_LiveArrivalIsDeliveredOnce(t *testing.T) {
	mem := store.NewMemoryStore(func() time.Time { return testNow })
	fx := newFixture(t, mem, mem)
	ctx := fx.start(t)
	fx.neverQuiet(t, ctx)
	eventually(t, func() bool { return mem.Subscribers() >= 1 })

	reqs, cancel := fx.session.Deliveries(8)
	defer cancel()

	fx.budget(500, 420)
	if _, err := fx.session.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got := map[delivery.Channel]int{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case req := <-reqs:
			got[req.Channel]++
			if req.Channel == delivery.ChannelDesktop && req.DismissAfter != delivery.DismissMedium {
				t.Errorf("medium priority should dismiss after %s, got %s", delivery.DismissMedium, req.DismissAfter)
			}
		case <-timeout:
			t.Fatalf("expected desktop and sound requests, got %v", got)
		}
	}

	snap, _ := fx.session.Feed(ctx, feed.SortNewest)
	if len(snap) != 1 || snap[0].Temporary() {
		t.Fatalf("expected one reconciled entry, got %+v", snap)
	}

	if _, err := fx.session.Refresh(ctx); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	select {
	case req := <-reqs:
		t.Fatalf("unexpected second delivery %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_SnapshotIsNotDelivered(t *testing.T) {
	mem := store.NewMemoryStore(func() time.Time { return testNow })
	_ = mem.Create(context.Background(), &notify.Notification{
		UserID: "u-1", Type: notify.TypeSystem, Title: "hello", Priority: notify.PriorityHigh,
	})

	fx := newFixture(t, mem, mem)
	reqs, cancel := fx.session.Deliveries(8)
	defer cancel()
	ctx := fx.start(t)
	eventually(t, func() bool { return mem.Subscribers() >= 1 })

	select {
	case req := <-reqs:
		t.Fatalf("existing notifications must not be delivered, got %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
	if n, _ := fx.session.UnreadCount(ctx); n != 1 {
		t.Fatalf("expected one unread entry, got %d", n)
	}
}

func TestSession_DisabledCategorySkipsFamily(t *testing.T) {
	mem := store.NewMemoryStore(func() time.Time { return testNow })
	fx := newFixture(t, mem, mem)
	ctx := fx.start(t)
	fx.budget(500, 420)

	if err := fx.session.UpdatePreference(ctx, string(notify.CategoryBudgetAlerts), false); err != nil {
		t.Fatalf("update preference: %v", err)
	}
	report, err := fx.session.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if fr := familyReport(t, report, rules.FamilyBudget); !fr.Disabled || fr.Candidates != 0 {
		t.Fatalf("budget family should be disabled, got %+v", fr)
	}
	if docs, _ := mem.Query(ctx, store.ForUser("u-1", 0)); len(docs) != 0 {
		t.Fatalf("nothing should be persisted, got %d", len(docs))
	}
}

// blockingRule holds a pass open until release is closed
type blockingRule struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRule) Family() rules.Family { return rules.FamilyGoal }

func (b *blockingRule) Evaluate(ctx context.Context, _ rules.Input) ([]notify.Candidate, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestSession_OverlappingPassIsRejected(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	rule := &blockingRule{entered: make(chan struct{}), release: make(chan struct{})}
	fx := newFixture(t, mem, mem, rule)
	ctx := fx.start(t)

	done := make(chan error, 1)
	go func() {
		_, err := fx.session.Refresh(ctx)
		done <- err
	}()
	<-rule.entered

	if _, err := fx.session.Refresh(ctx); !errors.Is(err, ErrEvaluationInProgress) {
		t.Fatalf("expected ErrEvaluationInProgress, got %v", err)
	}

	close(rule.release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, err := fx.session.Refresh(ctx); err != nil {
		t.Fatalf("pass after release should run, got %v", err)
	}
}

type failingRule struct{ family rules.Family }

func (f failingRule) Family() rules.Family { return f.family }

func (failingRule) Evaluate(context.Context, rules.Input) ([]notify.Candidate, error) {
	return nil, notify.ErrStoreUnavailable
}

func TestSession_FailingFamilyDoesNotStopOthers(t *testing.T) {
	mem := store.NewMemoryStore(func() time.Time { return testNow })
	ledger := finance.NewLedger()
	fx := newFixture(t, mem, mem, failingRule{rules.FamilyGoal}, rules.NewBudgetRule(ledger))
	fx.ledger = ledger
	ctx := fx.start(t)
	fx.budget(500, 510)

	report, err := fx.session.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if fr := familyReport(t, report, rules.FamilyGoal); fr.Error == "" {
		t.Error("goal family should report its error")
	}
	if fr := familyReport(t, report, rules.FamilyBudget); fr.Emitted != 1 {
		t.Errorf("budget family should still emit, got %+v", fr)
	}
}

// flakyFeed fails the first subscribe and closes the second right after
// its snapshot, so the pump has to come back twice
type flakyFeed struct {
	*store.MemoryStore
	calls atomic.Int32
}

func (f *flakyFeed) Subscribe(ctx context.Context, q store.Query) (<-chan store.ChangeEvent, error) {
	switch f.calls.Add(1) {
	case 1:
		return nil, notify.ErrStoreUnavailable
	case 2:
		ch := make(chan store.ChangeEvent)
		close(ch)
		return ch, nil
	default:
		return f.MemoryStore.Subscribe(ctx, q)
	}
}

func TestSession_PumpResubscribes(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	flaky := &flakyFeed{MemoryStore: mem}
	fx := newFixture(t, flaky, mem)
	ctx := fx.start(t)

	eventually(t, func() bool { return mem.Subscribers() >= 1 })
	if flaky.calls.Load() < 3 {
		t.Fatalf("expected at least three subscribe attempts, got %d", flaky.calls.Load())
	}

	_ = mem.Create(ctx, &notify.Notification{UserID: "u-1", Type: notify.TypeSystem, Title: "after reconnect", Priority: notify.PriorityLow})
	eventually(t, func() bool {
		snap, _ := fx.session.Feed(ctx, feed.SortNewest)
		return len(snap) == 1
	})
}

// gapFeed serves an empty first subscription that the test closes, then holds
// the next subscribe until the test lets it through
type gapFeed struct {
	*store.MemoryStore
	calls  atomic.Int32
	drop   chan struct{}
	resume chan struct{}
}

func (g *gapFeed) Subscribe(ctx context.Context, q store.Query) (<-chan store.ChangeEvent, error) {
	if g.calls.Add(1) == 1 {
		ch := make(chan store.ChangeEvent)
		go func() {
			select {
			case <-g.drop:
			case <-ctx.Done():
			}
			close(ch)
		}()
		return ch, nil
	}
	select {
	case <-g.resume:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryStore.Subscribe(ctx, q)
}

func TestSession_WrittenWhileFeedDownIsDelivered(t *testing.T) {
	mem := store.NewMemoryStore(func() time.Time { return testNow })
	gap := &gapFeed{MemoryStore: mem, drop: make(chan struct{}), resume: make(chan struct{})}
	fx := newFixture(t, gap, mem)
	reqs, cancel := fx.session.Deliveries(8)
	defer cancel()
	ctx := fx.start(t)
	fx.neverQuiet(t, ctx)

	eventually(t, func() bool { return gap.calls.Load() >= 1 })
	close(gap.drop)
	eventually(t, func() bool { return gap.calls.Load() >= 2 })

	missed := &notify.Notification{UserID: "u-1", Type: notify.TypeSystem, Title: "while down", Priority: notify.PriorityHigh}
	if err := mem.Create(ctx, missed); err != nil {
		t.Fatalf("create: %v", err)
	}
	close(gap.resume)

	select {
	case req := <-reqs:
		if req.Notification.ID != missed.ID {
			t.Fatalf("expected delivery of %s, got %s", missed.ID, req.Notification.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification written during the gap was never delivered")
	}
}

func TestSession_ExpiredArrivalIsDropped(t *testing.T) {
	mem := store.NewMemoryStore(func() time.Time { return testNow })
	fx := newFixture(t, mem, mem)
	reqs, cancel := fx.session.Deliveries(8)
	defer cancel()
	ctx := fx.start(t)
	fx.neverQuiet(t, ctx)
	eventually(t, func() bool { return mem.Subscribers() >= 1 })

	past := testNow.Add(-time.Minute)
	stale := &notify.Notification{UserID: "u-1", Type: notify.TypeSystem, Title: "stale", Priority: notify.PriorityHigh, ExpiresAt: &past}
	if err := mem.Create(ctx, stale); err != nil {
		t.Fatalf("create: %v", err)
	}

	eventually(t, func() bool {
		left, _ := mem.Query(ctx, store.ForUser("u-1", 0))
		return len(left) == 0
	})
	if snap, _ := fx.session.Feed(ctx, feed.SortNewest); len(snap) != 0 {
		t.Fatalf("expired arrival should not stay in the feed, got %d entries", len(snap))
	}
	select {
	case req := <-reqs:
		t.Fatalf("expired arrival must not be delivered, got %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_QuietHoursTransitions(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	fx := newFixture(t, mem, mem)
	fx.start(t)

	if fx.session.QuietHoursActive() {
		t.Fatal("12:00 is outside the default quiet hours")
	}

	fx.session.now = func() time.Time { return time.Date(2026, 10, 14, 23, 30, 0, 0, time.UTC) }
	fx.session.checkQuietHours()
	if !fx.session.QuietHoursActive() {
		t.Fatal("23:30 should be inside quiet hours")
	}

	fx.session.now = func() time.Time { return time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC) }
	fx.session.checkQuietHours()
	if fx.session.QuietHoursActive() {
		t.Fatal("quiet hours end at 08:00")
	}
}

func TestSession_StartTwice(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	fx := newFixture(t, mem, mem)
	ctx := fx.start(t)
	if err := fx.session.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
}
