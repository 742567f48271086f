package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/settings"
)

// SettingsMirror keeps the remote copy of a user's settings and preferences
type SettingsMirror struct {
	db *DB
}

var _ settings.Mirror = (*SettingsMirror)(nil)

func NewSettingsMirror(db *DB) *SettingsMirror {
	return &SettingsMirror{db: db}
}

func (m *SettingsMirror) LoadSettings(ctx context.Context, userID string) (notify.Settings, notify.Preferences, error) {
	var (
		s         notify.Settings
		threshold string
	)
	err := m.db.pool.QueryRow(ctx, `
		SELECT quiet_hours_start, quiet_hours_end, budget_threshold,
		       large_transaction_threshold::text, sound_enabled, desktop_enabled
		FROM user_settings
		WHERE user_id = $1
	`, userID).Scan(
		&s.QuietHoursStart,
		&s.QuietHoursEnd,
		&s.BudgetThreshold,
		&threshold,
		&s.SoundEnabled,
		&s.DesktopEnabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return notify.Settings{}, nil, notify.ErrNotFound
	}
	if err != nil {
		return notify.Settings{}, nil, fmt.Errorf("load settings: %w", classify(err))
	}
	if s.LargeTransactionThreshold, err = decimal.NewFromString(threshold); err != nil {
		return notify.Settings{}, nil, fmt.Errorf("large transaction threshold: %w", err)
	}

	rows, err := m.db.pool.Query(ctx, `SELECT category, enabled FROM user_preferences WHERE user_id = $1`, userID)
	if err != nil {
		return notify.Settings{}, nil, fmt.Errorf("load preferences: %w", classify(err))
	}
	defer rows.Close()

	prefs := notify.Preferences{}
	for rows.Next() {
		var (
			category string
			enabled  bool
		)
		if err := rows.Scan(&category, &enabled); err != nil {
			return notify.Settings{}, nil, fmt.Errorf("scan preference: %w", err)
		}
		if cat, err := notify.ParseCategory(category); err == nil {
			prefs[cat] = enabled
		}
	}
	if err := rows.Err(); err != nil {
		return notify.Settings{}, nil, fmt.Errorf("load preferences: %w", classify(err))
	}
	return s, prefs, nil
}

func (m *SettingsMirror) SaveSettings(ctx context.Context, userID string, s notify.Settings) error {
	_, err := m.db.pool.Exec(ctx, `
		INSERT INTO user_settings (
			user_id, quiet_hours_start, quiet_hours_end, budget_threshold,
			large_transaction_threshold, sound_enabled, desktop_enabled, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			budget_threshold = EXCLUDED.budget_threshold,
			large_transaction_threshold = EXCLUDED.large_transaction_threshold,
			sound_enabled = EXCLUDED.sound_enabled,
			desktop_enabled = EXCLUDED.desktop_enabled,
			updated_at = NOW()
	`, userID, s.QuietHoursStart, s.QuietHoursEnd, s.BudgetThreshold,
		s.LargeTransactionThreshold.String(), s.SoundEnabled, s.DesktopEnabled)
	if err != nil {
		return fmt.Errorf("save settings: %w", classify(err))
	}
	return nil
}

func (m *SettingsMirror) SavePreference(ctx context.Context, userID string, c notify.Category, enabled bool) error {
	_, err := m.db.pool.Exec(ctx, `
		INSERT INTO user_preferences (user_id, category, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, category) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`, userID, string(c), enabled)
	if err != nil {
		return fmt.Errorf("save preference: %w", classify(err))
	}
	return nil
}
