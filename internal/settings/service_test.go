package settings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/notify"
)

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type fakeMirror struct {
	settings  *notify.Settings
	prefs     notify.Preferences
	loadErr   error
	saveErr   error
	saved     []notify.Settings
	prefSaves int
}

func (m *fakeMirror) LoadSettings(context.Context, string) (notify.Settings, notify.Preferences, error) {
	if m.loadErr != nil {
		return notify.Settings{}, nil, m.loadErr
	}
	if m.settings == nil {
		return notify.Settings{}, nil, notify.ErrNotFound
	}
	return *m.settings, m.prefs, nil
}

func (m *fakeMirror) SaveSettings(_ context.Context, _ string, s notify.Settings) error {
	m.saved = append(m.saved, s)
	return m.saveErr
}

func (m *fakeMirror) SavePreference(context.Context, string, notify.Category, bool) error {
	m.prefSaves++
	return m.saveErr
}

func TestCache_RoundTrip(t *testing.T) {
	c := openCache(t)
	ctx := context.Background()

	if _, found, err := c.Settings(ctx, "u-1"); err != nil || found {
		t.Fatalf("expected empty cache, got found=%v err=%v", found, err)
	}

	want := notify.DefaultSettings()
	want.QuietHoursStart = "23:15"
	want.LargeTransactionThreshold = decimal.RequireFromString("250.50")
	want.SoundEnabled = false
	if err := c.SaveSettings(ctx, "u-1", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := c.Settings(ctx, "u-1")
	if err != nil || !found {
		t.Fatalf("expected cached settings, got found=%v err=%v", found, err)
	}
	if got.QuietHoursStart != "23:15" || got.SoundEnabled || !got.DesktopEnabled {
		t.Errorf("unexpected settings %+v", got)
	}
	if !got.LargeTransactionThreshold.Equal(want.LargeTransactionThreshold) {
		t.Errorf("threshold = %s, want %s", got.LargeTransactionThreshold, want.LargeTransactionThreshold)
	}

	if err := c.SavePreferences(ctx, "u-1", notify.Preferences{notify.CategoryGoalUpdates: false}); err != nil {
		t.Fatalf("save prefs: %v", err)
	}
	prefs, err := c.Preferences(ctx, "u-1")
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	if prefs.Enabled(notify.CategoryGoalUpdates) || !prefs.Enabled(notify.CategoryBudgetAlerts) {
		t.Errorf("unexpected preferences %v", prefs)
	}
}

func TestCache_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := OpenCache(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.SaveSettings(ctx, "u-1", notify.DefaultSettings()); err != nil {
		t.Fatalf("save: %v", err)
	}
	c.Close()

	c, err = OpenCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	if _, found, _ := c.Settings(ctx, "u-1"); !found {
		t.Fatal("settings should survive a reopen")
	}
}

func TestService_LoadOrder(t *testing.T) {
	remote := notify.DefaultSettings()
	remote.BudgetThreshold = 90

	tests := []struct {
		name       string
		seedCache  bool
		mirror     *fakeMirror
		wantSource Source
		wantThresh int
	}{
		{"cache wins", true, &fakeMirror{settings: &remote}, SourceCache, 70},
		{"mirror when cache is empty", false, &fakeMirror{settings: &remote}, SourceMirror, 90},
		{"defaults when mirror has nothing", false, &fakeMirror{}, SourceDefaults, 80},
		{"defaults when mirror is down", false, &fakeMirror{loadErr: notify.ErrStoreUnavailable}, SourceDefaults, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cache := openCache(t)
			if tt.seedCache {
				local := notify.DefaultSettings()
				local.BudgetThreshold = 70
				_ = cache.SaveSettings(ctx, "u-1", local)
			}

			svc := NewService("u-1", cache, tt.mirror, zap.NewNop())
			src, err := svc.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if src != tt.wantSource {
				t.Errorf("source = %s, want %s", src, tt.wantSource)
			}
			if got := svc.Settings().BudgetThreshold; got != tt.wantThresh {
				t.Errorf("threshold = %d, want %d", got, tt.wantThresh)
			}
		})
	}
}

func TestService_MirrorHitIsCached(t *testing.T) {
	ctx := context.Background()
	cache := openCache(t)
	remote := notify.DefaultSettings()
	remote.QuietHoursEnd = "07:00"
	mirror := &fakeMirror{settings: &remote, prefs: notify.Preferences{notify.CategoryMonthlyReports: false}}

	svc := NewService("u-1", cache, mirror, zap.NewNop())
	if _, err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	cached, found, _ := cache.Settings(ctx, "u-1")
	if !found || cached.QuietHoursEnd != "07:00" {
		t.Fatalf("mirror settings should be cached, got %+v", cached)
	}
	prefs, _ := cache.Preferences(ctx, "u-1")
	if prefs.Enabled(notify.CategoryMonthlyReports) {
		t.Error("mirror preferences should be cached")
	}
}

func TestService_UpdateSettingsValidatesFirst(t *testing.T) {
	ctx := context.Background()
	cache := openCache(t)
	mirror := &fakeMirror{}
	svc := NewService("u-1", cache, mirror, zap.NewNop())
	_, _ = svc.Load(ctx)

	bad := notify.DefaultSettings()
	bad.BudgetThreshold = 120
	err := svc.UpdateSettings(ctx, bad)
	if !errors.Is(err, notify.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if svc.Settings().BudgetThreshold != 80 {
		t.Error("previous settings should be left intact")
	}
	if _, found, _ := cache.Settings(ctx, "u-1"); found {
		t.Error("nothing should be cached for rejected settings")
	}
	if len(mirror.saved) != 0 {
		t.Error("nothing should be mirrored for rejected settings")
	}
}

func TestService_UpdateSettingsMirrorIsBestEffort(t *testing.T) {
	ctx := context.Background()
	cache := openCache(t)
	mirror := &fakeMirror{saveErr: notify.ErrStoreUnavailable}
	svc := NewService("u-1", cache, mirror, zap.NewNop())

	next := notify.DefaultSettings()
	next.DesktopEnabled = false
	if err := svc.UpdateSettings(ctx, next); err != nil {
		t.Fatalf("mirror failure should not be returned, got %v", err)
	}
	if svc.Settings().DesktopEnabled {
		t.Error("settings should be applied")
	}
	if len(mirror.saved) != 1 {
		t.Errorf("expected one mirror attempt, got %d", len(mirror.saved))
	}
	if cached, _, _ := cache.Settings(ctx, "u-1"); cached.DesktopEnabled {
		t.Error("settings should be cached")
	}
}

func TestService_UpdatePreference(t *testing.T) {
	ctx := context.Background()
	mirror := &fakeMirror{}
	svc := NewService("u-1", openCache(t), mirror, zap.NewNop())

	if err := svc.UpdatePreference(ctx, "budgetAlerts", false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if svc.Preferences().Enabled(notify.CategoryBudgetAlerts) {
		t.Error("budgetAlerts should be disabled")
	}
	if mirror.prefSaves != 1 {
		t.Errorf("expected one mirror write, got %d", mirror.prefSaves)
	}

	err := svc.UpdatePreference(ctx, "weatherAlerts", true)
	if !errors.Is(err, notify.ErrValidation) {
		t.Fatalf("expected a validation error for an unknown category, got %v", err)
	}
}

func TestService_WithoutCacheOrMirror(t *testing.T) {
	svc := NewService("u-1", nil, nil, zap.NewNop())
	src, err := svc.Load(context.Background())
	if err != nil || src != SourceDefaults {
		t.Fatalf("expected defaults, got %s %v", src, err)
	}
	if err := svc.UpdatePreference(context.Background(), "goalUpdates", false); err != nil {
		t.Fatalf("update: %v", err)
	}
}
