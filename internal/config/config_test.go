package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "ENV", "STORE_DRIVER", "REDIS_HOST", "TIMEZONE", "SQS_REGION"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.StoreDriver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.StoreDriver)
	}
	if cfg.RedisHost != "" {
		t.Errorf("redis should be disabled by default, got %s", cfg.RedisHost)
	}
	if cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("SQS region should fall back to AWS region, got %s", cfg.SQSRegion)
	}
	if cfg.Location() != time.Local {
		t.Errorf("expected local time zone, got %s", cfg.Location())
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("USER_ID", "u-42")
	t.Setenv("TIMEZONE", "Asia/Tokyo")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:finwatch")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 || cfg.Env != "production" || cfg.UserID != "u-42" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Location().String() != "Asia/Tokyo" {
		t.Errorf("expected Asia/Tokyo, got %s", cfg.Location())
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.StoreDriver)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("expected 30s window, got %s", cfg.RateLimitWindow)
	}
	if cfg.SNSTopicARN == "" {
		t.Error("expected topic ARN")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "eighty"},
		{"DB_PORT", "x"},
		{"REDIS_DB", "one"},
		{"RATE_LIMIT_WINDOW", "soon"},
		{"TIMEZONE", "Mars/Olympus"},
		{"STORE_DRIVER", "mongo"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected an error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBUser: "fw", DBPassword: "pw", DBHost: "db", DBPort: 5433, DBName: "finwatch", DBSSLMode: "require"}
	want := "postgres://fw:pw@db:5433/finwatch?sslmode=require"
	if got := cfg.DatabaseURL(); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestLoadSchedule_Defaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		s, err := LoadSchedule(path)
		if err != nil {
			t.Fatalf("LoadSchedule(%q): %v", path, err)
		}
		if s != DefaultSchedule() {
			t.Errorf("LoadSchedule(%q) = %+v, want defaults", path, s)
		}
	}
}

func TestLoadSchedule_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	body := "budget_interval: 30m\ntransaction_interval: 5m\nfeed_limit: 20\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.BudgetInterval != 30*time.Minute || s.TransactionInterval != 5*time.Minute || s.FeedLimit != 20 {
		t.Errorf("unexpected schedule %+v", s)
	}
	if s.GoalInterval != 6*time.Hour {
		t.Errorf("unset keys should keep defaults, got goal interval %s", s.GoalInterval)
	}
}

func TestLoadSchedule_RejectsNonPositive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte("quiet_tick: 0s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSchedule(path); err == nil {
		t.Fatal("expected an error for a zero quiet tick")
	}
}
