package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_URL", "postgres://localhost:5432/messaging")
	t.Setenv("CHAT_SEND_URL", "http://chat.local/send")
}

func TestLoadAll_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address :8080, got %q", cfg.Server.Address)
	}
	if cfg.Scheduler.Interval != 5*time.Second {
		t.Fatalf("expected default interval 5s, got %v", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.BatchSize != 50 {
		t.Fatalf("expected default batch size 50, got %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Quota.DailyMax != 5 {
		t.Fatalf("expected default daily max 5, got %d", cfg.Quota.DailyMax)
	}
	if cfg.Redis.Enabled {
		t.Fatalf("expected redis disabled without REDIS_ADDR")
	}
}

func TestLoadAll_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_ADDRESS", ":9090")
	t.Setenv("SCHED_INTERVAL_SECONDS", "2")
	t.Setenv("SCHED_BATCH_SIZE", "10")
	t.Setenv("QUOTA_DAILY_MAX", "7")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Fatalf("expected :9090, got %q", cfg.Server.Address)
	}
	if cfg.Scheduler.Interval != 2*time.Second {
		t.Fatalf("expected 2s interval, got %v", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.BatchSize != 10 {
		t.Fatalf("expected batch size 10, got %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Quota.DailyMax != 7 {
		t.Fatalf("expected daily max 7, got %d", cfg.Quota.DailyMax)
	}
}

func TestLoadAll_RedisEnabledByAddr(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "2")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if !cfg.Redis.Enabled {
		t.Fatalf("expected redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" || cfg.Redis.Password != "secret" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoadAll_MissingRequiredPanics(t *testing.T) {
	t.Setenv("POSTGRES_URL", "")
	t.Setenv("CHAT_SEND_URL", "http://chat.local/send")

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic for missing POSTGRES_URL")
		}
	}()
	_, _ = LoadAll()
}

func TestLoadAll_InvalidIntPanics(t *testing.T) {
	setRequired(t)
	t.Setenv("SCHED_BATCH_SIZE", "not-a-number")

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic for invalid int")
		}
	}()
	_, _ = LoadAll()
}

func TestLoadAll_NonPositiveIntervalPanics(t *testing.T) {
	setRequired(t)
	t.Setenv("SCHED_INTERVAL_SECONDS", "0")

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic for zero interval")
		}
	}()
	_, _ = LoadAll()
}
