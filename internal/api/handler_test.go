package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/delivery"
	"github.com/lalithlochan/finwatch/internal/feed"
	"github.com/lalithlochan/finwatch/internal/lifecycle"
	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/session"
)

// fakeSession is an in-memory Session for handler tests
type fakeSession struct {
	docs     []*notify.Notification
	unread   int
	quiet    bool
	settings notify.Settings
	prefs    notify.Preferences

	sortSeen    feed.Sort
	lastID      string
	lifecycle   error
	updateErr   error
	refreshErr  error
	feedErr     error
	deliveries  chan delivery.Request
	unsubscribe int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		settings:   notify.DefaultSettings(),
		prefs:      notify.Preferences{},
		deliveries: make(chan delivery.Request, 4),
	}
}

func (f *fakeSession) Feed(_ context.Context, s feed.Sort) ([]*notify.Notification, error) {
	f.sortSeen = s
	return f.docs, f.feedErr
}

func (f *fakeSession) Unread(context.Context) ([]*notify.Notification, error) {
	var out []*notify.Notification
	for _, n := range f.docs {
		if n.Unread() {
			out = append(out, n)
		}
	}
	return out, f.feedErr
}

func (f *fakeSession) UnreadCount(context.Context) (int, error) { return f.unread, nil }

func (f *fakeSession) MarkRead(_ context.Context, id string) error {
	f.lastID = id
	return f.lifecycle
}

func (f *fakeSession) MarkAllRead(context.Context) error { return f.lifecycle }

func (f *fakeSession) Delete(_ context.Context, id string) error {
	f.lastID = id
	return f.lifecycle
}

func (f *fakeSession) ClearAll(context.Context) error { return f.lifecycle }

func (f *fakeSession) Settings() notify.Settings { return f.settings }

func (f *fakeSession) UpdateSettings(_ context.Context, next notify.Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if f.updateErr != nil {
		return f.updateErr
	}
	f.settings = next
	return nil
}

func (f *fakeSession) Preferences() notify.Preferences { return f.prefs.Clone() }

func (f *fakeSession) UpdatePreference(_ context.Context, category string, enabled bool) error {
	c, err := notify.ParseCategory(category)
	if err != nil {
		return err
	}
	f.prefs[c] = enabled
	return nil
}

func (f *fakeSession) Refresh(context.Context) (*session.PassReport, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &session.PassReport{Families: []session.FamilyReport{{Family: "budget", Candidates: 1, Emitted: 1}}}, nil
}

func (f *fakeSession) Deliveries(int) (<-chan delivery.Request, func()) {
	return f.deliveries, func() { f.unsubscribe++ }
}

func (f *fakeSession) QuietHoursActive() bool { return f.quiet }

func newTestRouter(s Session) http.Handler {
	return NewRouter(RouterConfig{
		Handler: NewHandler(zap.NewNop(), s),
		Logger:  zap.NewNop(),
	})
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestGetFeed(t *testing.T) {
	read := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	s := newFakeSession()
	s.unread = 1
	s.quiet = true
	s.docs = []*notify.Notification{
		{ID: "n1", UserID: "u1", Type: notify.TypeBudget, Subtype: notify.SubtypeThreshold, Title: "Budget", Priority: notify.PriorityHigh},
		{ID: "n2", UserID: "u1", Type: notify.TypeSystem, Subtype: notify.SubtypeMonthlyReport, Title: "Report", Priority: notify.PriorityLow, ReadAt: &read},
	}
	router := newTestRouter(s)

	rec := do(t, router, http.MethodGet, "/v1/feed?sort=priority", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.sortSeen != feed.SortPriority {
		t.Errorf("expected priority sort, got %q", s.sortSeen)
	}

	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Count       int  `json:"count"`
		UnreadCount int  `json:"unread_count"`
		QuietHours  bool `json:"quiet_hours"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Data) != 2 || resp.Data[0].ID != "n1" {
		t.Errorf("unexpected feed: %+v", resp)
	}
	if resp.UnreadCount != 1 || !resp.QuietHours {
		t.Errorf("unexpected counters: %+v", resp)
	}

	rec = do(t, router, http.MethodGet, "/v1/feed/unread", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Data[0].ID != "n1" {
		t.Errorf("expected only n1 unread, got %+v", resp.Data)
	}
}

func TestGetFeed_Errors(t *testing.T) {
	s := newFakeSession()
	router := newTestRouter(s)

	rec := do(t, router, http.MethodGet, "/v1/feed?sort=oldest", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad sort, got %d", rec.Code)
	}

	s.feedErr = feed.ErrStopped
	rec = do(t, router, http.MethodGet, "/v1/feed", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when stopped, got %d", rec.Code)
	}
}

func TestGetFeed_EmptyIsArray(t *testing.T) {
	rec := do(t, newTestRouter(newFakeSession()), http.MethodGet, "/v1/feed", nil)
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestLifecycleRoutes(t *testing.T) {
	warning := &lifecycle.Warning{Op: lifecycle.OpMarkRead, ID: "n1", Err: notify.ErrStoreUnavailable}

	tests := []struct {
		name       string
		method     string
		path       string
		err        error
		wantStatus int
		wantID     string
	}{
		{"mark read", http.MethodPost, "/v1/notifications/n1/read", nil, http.StatusNoContent, "n1"},
		{"mark read missing", http.MethodPost, "/v1/notifications/nope/read", fmt.Errorf("%w: nope", notify.ErrNotFound), http.StatusNotFound, "nope"},
		{"mark read local only", http.MethodPost, "/v1/notifications/n1/read", warning, http.StatusAccepted, "n1"},
		{"mark all read", http.MethodPost, "/v1/notifications/read-all", nil, http.StatusNoContent, ""},
		{"delete", http.MethodDelete, "/v1/notifications/n2", nil, http.StatusNoContent, "n2"},
		{"delete denied", http.MethodDelete, "/v1/notifications/n2", notify.ErrPermissionDenied, http.StatusForbidden, "n2"},
		{"clear all unavailable", http.MethodDelete, "/v1/notifications", notify.ErrStoreUnavailable, http.StatusServiceUnavailable, ""},
		{"clear all unknown error", http.MethodDelete, "/v1/notifications", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeSession()
			s.lifecycle = tt.err

			rec := do(t, newTestRouter(s), tt.method, tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if s.lastID != tt.wantID {
				t.Errorf("expected id %q, got %q", tt.wantID, s.lastID)
			}
			if tt.wantStatus == http.StatusAccepted {
				var body WarningResponse
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body.Status != "applied_locally" || body.Warning == "" {
					t.Errorf("unexpected warning body: %+v", body)
				}
			}
		})
	}
}

func TestUpdateSettings(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		updateErr  error
		wantStatus int
	}{
		{"valid", `{"quiet_hours_start":"23:00","quiet_hours_end":"07:00","budget_threshold":90,"large_transaction_threshold":"500","sound_enabled":false,"desktop_enabled":true}`, nil, http.StatusOK},
		{"malformed", `{"quiet_hours_start":`, nil, http.StatusBadRequest},
		{"threshold out of range", `{"quiet_hours_start":"23:00","quiet_hours_end":"07:00","budget_threshold":10,"large_transaction_threshold":"500"}`, nil, http.StatusUnprocessableEntity},
		{"bad clock", `{"quiet_hours_start":"25:00","quiet_hours_end":"07:00","budget_threshold":80,"large_transaction_threshold":"500"}`, nil, http.StatusUnprocessableEntity},
		{"cache write fails", `{"quiet_hours_start":"23:00","quiet_hours_end":"07:00","budget_threshold":80,"large_transaction_threshold":"500"}`, errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeSession()
			s.updateErr = tt.updateErr

			rec := do(t, newTestRouter(s), http.MethodPut, "/v1/settings", []byte(tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus == http.StatusUnprocessableEntity {
				if p := decodeProblem(t, rec); p.Type != "validation_failed" || p.Detail == "" {
					t.Errorf("unexpected problem: %+v", p)
				}
			}
		})
	}
}

func TestUpdateSettings_ReturnsStored(t *testing.T) {
	s := newFakeSession()
	body := `{"quiet_hours_start":"23:00","quiet_hours_end":"07:00","budget_threshold":90,"large_transaction_threshold":"500","sound_enabled":false,"desktop_enabled":true}`

	rec := do(t, newTestRouter(s), http.MethodPut, "/v1/settings", []byte(body))
	var got notify.Settings
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.QuietHoursStart != "23:00" || got.BudgetThreshold != 90 || got.SoundEnabled {
		t.Errorf("unexpected settings: %+v", got)
	}
	if !got.LargeTransactionThreshold.Equal(s.settings.LargeTransactionThreshold) {
		t.Errorf("threshold mismatch: %s vs %s", got.LargeTransactionThreshold, s.settings.LargeTransactionThreshold)
	}
}

func TestPreferences(t *testing.T) {
	s := newFakeSession()
	router := newTestRouter(s)

	rec := do(t, router, http.MethodGet, "/v1/preferences", nil)
	var prefs map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&prefs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(prefs) != len(notify.Categories) {
		t.Fatalf("expected every category, got %v", prefs)
	}
	for c, enabled := range prefs {
		if !enabled {
			t.Errorf("expected %s enabled by default", c)
		}
	}

	rec = do(t, router, http.MethodPut, "/v1/preferences/goalUpdates", []byte(`{"enabled":false}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.NewDecoder(rec.Body).Decode(&prefs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prefs[string(notify.CategoryGoalUpdates)] {
		t.Error("expected goalUpdates disabled")
	}
}

func TestUpdatePreference_Errors(t *testing.T) {
	router := newTestRouter(newFakeSession())

	rec := do(t, router, http.MethodPut, "/v1/preferences/goalUpdates", []byte(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without enabled, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodPut, "/v1/preferences/weather", []byte(`{"enabled":true}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unknown category, got %d", rec.Code)
	}
}

func TestRefresh(t *testing.T) {
	s := newFakeSession()
	router := newTestRouter(s)

	rec := do(t, router, http.MethodPost, "/v1/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report session.PassReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Families) != 1 || report.Families[0].Emitted != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	s.refreshErr = session.ErrEvaluationInProgress
	rec = do(t, router, http.MethodPost, "/v1/refresh", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if p := decodeProblem(t, rec); p.Type != "evaluation_in_progress" {
		t.Errorf("unexpected problem type %q", p.Type)
	}
}

func TestHealth(t *testing.T) {
	healthy := true
	router := NewRouter(RouterConfig{
		Handler: NewHandler(zap.NewNop(), newFakeSession()),
		Logger:  zap.NewNop(),
		Health: func(context.Context) error {
			if healthy {
				return nil
			}
			return notify.ErrStoreUnavailable
		},
	})

	if rec := do(t, router, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	healthy = false
	if rec := do(t, router, http.MethodGet, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestStreamDeliveries(t *testing.T) {
	s := newFakeSession()
	srv := httptest.NewServer(newTestRouter(s))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/deliveries", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	s.deliveries <- delivery.Request{
		Notification: &notify.Notification{ID: "n1", Type: notify.TypeBudget, Subtype: notify.SubtypeExceeded, Title: "Over budget", Priority: notify.PriorityCritical},
		Channel:      delivery.ChannelDesktop,
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	if event != "delivery" {
		t.Errorf("expected delivery event, got %q", event)
	}
	var got delivery.Request
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("decode delivery %q: %v", data, err)
	}
	if got.Channel != delivery.ChannelDesktop || got.Notification == nil || got.Notification.ID != "n1" {
		t.Errorf("unexpected delivery: %+v", got)
	}
}
