package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Schedule holds the cadence of each rule family and the background ticks
type Schedule struct {
	BudgetInterval      time.Duration `mapstructure:"budget_interval"`
	GoalInterval        time.Duration `mapstructure:"goal_interval"`
	TransactionInterval time.Duration `mapstructure:"transaction_interval"`
	ReportInterval      time.Duration `mapstructure:"report_interval"`
	QuietTick           time.Duration `mapstructure:"quiet_tick"`
	ExpirySweep         time.Duration `mapstructure:"expiry_sweep"`
	FeedLimit           int           `mapstructure:"feed_limit"`
}

// DefaultSchedule is used when no schedule file is configured
func DefaultSchedule() Schedule {
	return Schedule{
		BudgetInterval:      time.Hour,
		GoalInterval:        6 * time.Hour,
		TransactionInterval: 15 * time.Minute,
		ReportInterval:      24 * time.Hour,
		QuietTick:           time.Minute,
		ExpirySweep:         time.Hour,
		FeedLimit:           50,
	}
}

// LoadSchedule reads a YAML schedule file. An empty path or a missing file
// yields DefaultSchedule.
func LoadSchedule(path string) (Schedule, error) {
	def := DefaultSchedule()
	if path == "" {
		return def, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("budget_interval", def.BudgetInterval)
	v.SetDefault("goal_interval", def.GoalInterval)
	v.SetDefault("transaction_interval", def.TransactionInterval)
	v.SetDefault("report_interval", def.ReportInterval)
	v.SetDefault("quiet_tick", def.QuietTick)
	v.SetDefault("expiry_sweep", def.ExpirySweep)
	v.SetDefault("feed_limit", def.FeedLimit)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return def, nil
		}
		return Schedule{}, fmt.Errorf("reading schedule %s: %w", path, err)
	}

	var s Schedule
	if err := v.Unmarshal(&s); err != nil {
		return Schedule{}, fmt.Errorf("parsing schedule %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return Schedule{}, fmt.Errorf("schedule %s: %w", path, err)
	}
	return s, nil
}

func (s Schedule) validate() error {
	intervals := map[string]time.Duration{
		"budget_interval":      s.BudgetInterval,
		"goal_interval":        s.GoalInterval,
		"transaction_interval": s.TransactionInterval,
		"report_interval":      s.ReportInterval,
		"quiet_tick":           s.QuietTick,
		"expiry_sweep":         s.ExpirySweep,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if s.FeedLimit <= 0 {
		return fmt.Errorf("feed_limit must be positive, got %d", s.FeedLimit)
	}
	return nil
}
