package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/lalithlochan/finwatch/internal/notify"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	user_id                     TEXT PRIMARY KEY,
	quiet_hours_start           TEXT NOT NULL,
	quiet_hours_end             TEXT NOT NULL,
	budget_threshold            INTEGER NOT NULL,
	large_transaction_threshold TEXT NOT NULL,
	sound_enabled               INTEGER NOT NULL,
	desktop_enabled             INTEGER NOT NULL,
	updated_at                  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
	user_id    TEXT NOT NULL,
	category   TEXT NOT NULL,
	enabled    INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, category)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// Cache keeps settings and preferences in a local sqlite file so a session
// can start without a round trip to the remote store.
type Cache struct {
	db *sqlx.DB
}

// OpenCache opens (or creates) the cache database at path
func OpenCache(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening settings cache: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running cache migrations: %w", err)
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate() error {
	current := 0

	var tables int
	err := c.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := c.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

type settingsRow struct {
	QuietHoursStart           string `db:"quiet_hours_start"`
	QuietHoursEnd             string `db:"quiet_hours_end"`
	BudgetThreshold           int    `db:"budget_threshold"`
	LargeTransactionThreshold string `db:"large_transaction_threshold"`
	SoundEnabled              bool   `db:"sound_enabled"`
	DesktopEnabled            bool   `db:"desktop_enabled"`
}

func (r settingsRow) settings() (notify.Settings, error) {
	threshold, err := decimal.NewFromString(r.LargeTransactionThreshold)
	if err != nil {
		return notify.Settings{}, fmt.Errorf("parsing cached large transaction threshold: %w", err)
	}
	return notify.Settings{
		QuietHoursStart:           r.QuietHoursStart,
		QuietHoursEnd:             r.QuietHoursEnd,
		BudgetThreshold:           r.BudgetThreshold,
		LargeTransactionThreshold: threshold,
		SoundEnabled:              r.SoundEnabled,
		DesktopEnabled:            r.DesktopEnabled,
	}, nil
}

// Settings returns the cached settings for userID. found is false when
// nothing has been cached yet.
func (c *Cache) Settings(ctx context.Context, userID string) (s notify.Settings, found bool, err error) {
	var row settingsRow
	err = c.db.GetContext(ctx, &row, `
		SELECT quiet_hours_start, quiet_hours_end, budget_threshold,
		       large_transaction_threshold, sound_enabled, desktop_enabled
		FROM settings WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Settings{}, false, nil
	}
	if err != nil {
		return notify.Settings{}, false, fmt.Errorf("reading cached settings: %w", err)
	}

	s, err = row.settings()
	if err != nil {
		return notify.Settings{}, false, err
	}
	return s, true, nil
}

// SaveSettings replaces the cached settings for userID
func (c *Cache) SaveSettings(ctx context.Context, userID string, s notify.Settings) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO settings (
			user_id, quiet_hours_start, quiet_hours_end, budget_threshold,
			large_transaction_threshold, sound_enabled, desktop_enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, s.QuietHoursStart, s.QuietHoursEnd, s.BudgetThreshold,
		s.LargeTransactionThreshold.String(), boolToInt(s.SoundEnabled), boolToInt(s.DesktopEnabled),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("caching settings: %w", err)
	}
	return nil
}

type preferenceRow struct {
	Category string `db:"category"`
	Enabled  bool   `db:"enabled"`
}

// Preferences returns the cached per-category flags. Unknown categories
// left behind by older versions are skipped.
func (c *Cache) Preferences(ctx context.Context, userID string) (notify.Preferences, error) {
	var rows []preferenceRow
	err := c.db.SelectContext(ctx, &rows, "SELECT category, enabled FROM preferences WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("reading cached preferences: %w", err)
	}

	prefs := make(notify.Preferences, len(rows))
	for _, r := range rows {
		cat, err := notify.ParseCategory(r.Category)
		if err != nil {
			continue
		}
		prefs[cat] = r.Enabled
	}
	return prefs, nil
}

// SavePreferences upserts every flag in prefs inside one transaction
func (c *Cache) SavePreferences(ctx context.Context, userID string, prefs notify.Preferences) error {
	if len(prefs) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR REPLACE INTO preferences (user_id, category, enabled, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing preference upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for cat, enabled := range prefs {
		if _, err := stmt.ExecContext(ctx, userID, string(cat), boolToInt(enabled), now); err != nil {
			return fmt.Errorf("caching preference %s: %w", cat, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
