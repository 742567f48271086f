package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Category is a user-toggleable notification family
type Category string

const (
	CategoryBudgetAlerts      Category = "budgetAlerts"
	CategoryGoalUpdates       Category = "goalUpdates"
	CategoryLargeTransactions Category = "largeTransactions"
	CategoryMonthlyReports    Category = "monthlyReports"
	CategorySystemUpdates     Category = "systemUpdates"
)

// Categories lists every known category
var Categories = []Category{
	CategoryBudgetAlerts,
	CategoryGoalUpdates,
	CategoryLargeTransactions,
	CategoryMonthlyReports,
	CategorySystemUpdates,
}

// ParseCategory validates a category name
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s)}
}

// CategoryFor maps a notification type and subtype to its preference category
func CategoryFor(t Type, s Subtype) Category {
	switch t {
	case TypeBudget:
		return CategoryBudgetAlerts
	case TypeGoal:
		return CategoryGoalUpdates
	case TypeExpense, TypeIncome:
		return CategoryLargeTransactions
	}
	if s == SubtypeMonthlyReport {
		return CategoryMonthlyReports
	}
	return CategorySystemUpdates
}

// Preferences holds a per-category on/off flag. Unset categories are enabled.
type Preferences map[Category]bool

// Enabled reports whether c is allowed
func (p Preferences) Enabled(c Category) bool {
	v, ok := p[c]
	if !ok {
		return true
	}
	return v
}

// Clone copies the preference map
func (p Preferences) Clone() Preferences {
	out := make(Preferences, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

const (
	MinBudgetThreshold = 50
	MaxBudgetThreshold = 100
)

// Settings are the per-user delivery and rule thresholds
type Settings struct {
	QuietHoursStart           string          `json:"quiet_hours_start"` // HH:MM local time
	QuietHoursEnd             string          `json:"quiet_hours_end"`
	BudgetThreshold           int             `json:"budget_threshold"` // percent, 50-100
	LargeTransactionThreshold decimal.Decimal `json:"large_transaction_threshold"`
	SoundEnabled              bool            `json:"sound_enabled"`
	DesktopEnabled            bool            `json:"desktop_enabled"`
}

// DefaultSettings returns the settings used before the user saves any
func DefaultSettings() Settings {
	return Settings{
		QuietHoursStart:           "22:00",
		QuietHoursEnd:             "08:00",
		BudgetThreshold:           80,
		LargeTransactionThreshold: decimal.NewFromInt(1000),
		SoundEnabled:              true,
		DesktopEnabled:            true,
	}
}

// Validate checks every field against its declared bounds
func (s Settings) Validate() error {
	if _, err := ParseClock(s.QuietHoursStart); err != nil {
		return &ValidationError{Field: "quiet_hours_start", Reason: err.Error()}
	}
	if _, err := ParseClock(s.QuietHoursEnd); err != nil {
		return &ValidationError{Field: "quiet_hours_end", Reason: err.Error()}
	}
	if s.BudgetThreshold < MinBudgetThreshold || s.BudgetThreshold > MaxBudgetThreshold {
		return &ValidationError{
			Field:  "budget_threshold",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinBudgetThreshold, MaxBudgetThreshold, s.BudgetThreshold),
		}
	}
	if s.LargeTransactionThreshold.IsNegative() {
		return &ValidationError{Field: "large_transaction_threshold", Reason: "must be >= 0"}
	}
	return nil
}

// ParseClock converts "HH:MM" into minutes since midnight
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 || !digits(hh) || !digits(mm) {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
