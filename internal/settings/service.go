// Package settings owns a user's delivery settings and category preferences.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/finwatch/internal/notify"
)

// Mirror is the remote copy of settings shared across a user's devices.
// LoadSettings returns notify.ErrNotFound when the user never saved any.
type Mirror interface {
	LoadSettings(ctx context.Context, userID string) (notify.Settings, notify.Preferences, error)
	SaveSettings(ctx context.Context, userID string, s notify.Settings) error
	SavePreference(ctx context.Context, userID string, c notify.Category, enabled bool) error
}

// Source records where the active settings came from
type Source string

const (
	SourceCache    Source = "cache"
	SourceMirror   Source = "mirror"
	SourceDefaults Source = "defaults"
)

// Service holds the active settings in memory. Both cache and mirror are optional.
type Service struct {
	userID string
	cache  *Cache
	mirror Mirror
	logger *zap.Logger

	mu       sync.RWMutex
	settings notify.Settings
	prefs    notify.Preferences
}

func NewService(userID string, cache *Cache, mirror Mirror, logger *zap.Logger) *Service {
	return &Service{
		userID:   userID,
		cache:    cache,
		mirror:   mirror,
		logger:   logger,
		settings: notify.DefaultSettings(),
		prefs:    notify.Preferences{},
	}
}

// Load picks the first available source: local cache, then mirror, then
// defaults. A mirror hit is written back to the cache.
func (s *Service) Load(ctx context.Context) (Source, error) {
	if s.cache != nil {
		cached, found, err := s.cache.Settings(ctx, s.userID)
		if err != nil {
			s.logger.Warn("settings cache unreadable", zap.Error(err))
		}
		if found && cached.Validate() == nil {
			prefs, err := s.cache.Preferences(ctx, s.userID)
			if err != nil {
				s.logger.Warn("preferences cache unreadable", zap.Error(err))
				prefs = notify.Preferences{}
			}
			s.set(cached, prefs)
			return SourceCache, nil
		}
	}

	if s.mirror != nil {
		remote, prefs, err := s.mirror.LoadSettings(ctx, s.userID)
		switch {
		case err == nil && remote.Validate() == nil:
			if prefs == nil {
				prefs = notify.Preferences{}
			}
			s.set(remote, prefs)
			s.writeCache(ctx, remote, prefs)
			return SourceMirror, nil
		case err == nil:
			s.logger.Warn("mirrored settings out of bounds, using defaults", zap.String("user_id", s.userID))
		case !errors.Is(err, notify.ErrNotFound):
			s.logger.Warn("settings mirror unavailable, using defaults", zap.Error(err))
		}
	}

	s.set(notify.DefaultSettings(), notify.Preferences{})
	return SourceDefaults, nil
}

// Settings returns the active settings
func (s *Service) Settings() notify.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Preferences returns a copy of the active preferences
func (s *Service) Preferences() notify.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs.Clone()
}

// UpdateSettings validates next before anything is written. The cache write
// must succeed; the mirror write is best effort.
func (s *Service) UpdateSettings(ctx context.Context, next notify.Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.SaveSettings(ctx, s.userID, next); err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
	}

	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.SaveSettings(ctx, s.userID, next); err != nil {
			s.logger.Warn("failed to mirror settings", zap.Error(err), zap.String("user_id", s.userID))
		}
	}

	s.logger.Info("settings updated",
		zap.String("user_id", s.userID),
		zap.String("quiet_hours_start", next.QuietHoursStart),
		zap.String("quiet_hours_end", next.QuietHoursEnd),
		zap.Int("budget_threshold", next.BudgetThreshold),
	)
	return nil
}

// UpdatePreference toggles one category. Unknown categories are a
// validation error.
func (s *Service) UpdatePreference(ctx context.Context, category string, enabled bool) error {
	cat, err := notify.ParseCategory(category)
	if err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.SavePreferences(ctx, s.userID, notify.Preferences{cat: enabled}); err != nil {
			return fmt.Errorf("update preference: %w", err)
		}
	}

	s.mu.Lock()
	s.prefs[cat] = enabled
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.SavePreference(ctx, s.userID, cat, enabled); err != nil {
			s.logger.Warn("failed to mirror preference",
				zap.Error(err),
				zap.String("category", string(cat)),
			)
		}
	}
	return nil
}

func (s *Service) set(st notify.Settings, prefs notify.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	s.prefs = prefs
}

func (s *Service) writeCache(ctx context.Context, st notify.Settings, prefs notify.Preferences) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveSettings(ctx, s.userID, st); err != nil {
		s.logger.Warn("failed to cache mirrored settings", zap.Error(err))
		return
	}
	if err := s.cache.SavePreferences(ctx, s.userID, prefs); err != nil {
		s.logger.Warn("failed to cache mirrored preferences", zap.Error(err))
	}
}
