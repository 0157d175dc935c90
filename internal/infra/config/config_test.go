package config

import (
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ROLE", "worker")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/broadcast?parseTime=true")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("API_ID", "12345")
	t.Setenv("API_HASH", "abcdef")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	env := cfg.Env
	if env.Role != RoleWorker {
		t.Fatalf("Role = %q", env.Role)
	}
	if env.SchedTickSeconds != 5 || env.SchedLockTTLSeconds != 55 {
		t.Fatalf("scheduler knobs = %d/%d, want 5/55", env.SchedTickSeconds, env.SchedLockTTLSeconds)
	}
	if env.EarlyFactor != 0.96 {
		t.Fatalf("EarlyFactor = %g", env.EarlyFactor)
	}
	if env.BroadcastConcurrency != 8 || env.AttemptsPerJob != 2 {
		t.Fatalf("broadcast knobs = %d/%d, want 8/2", env.BroadcastConcurrency, env.AttemptsPerJob)
	}
	if env.PerAccountMinDelayMs != 3500 || env.PerAccountMPM != 6 {
		t.Fatalf("per-account knobs = %d/%d, want 3500/6", env.PerAccountMinDelayMs, env.PerAccountMPM)
	}
	if env.MaxRetries != 3 || env.MaxDelayMs != 120000 {
		t.Fatalf("retry knobs = %d/%d", env.MaxRetries, env.MaxDelayMs)
	}
	if env.UserLockTTLMs != 600000 {
		t.Fatalf("UserLockTTLMs = %d", env.UserLockTTLMs)
	}
}

func TestLoadConfigRejectsUnknownRole(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ROLE", "proxy")

	if _, err := loadConfig(""); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestLoadConfigSanitizesOutOfRangeKnobs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("USER_LOCK_TTL", "1000") // below the 60s floor
	t.Setenv("EARLY_FACTOR", "3.5")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Env.UserLockTTLMs != 600000 {
		t.Fatalf("UserLockTTLMs = %d, want default 600000", cfg.Env.UserLockTTLMs)
	}
	if cfg.Env.EarlyFactor != 0.96 {
		t.Fatalf("EarlyFactor = %g, want default 0.96", cfg.Env.EarlyFactor)
	}
	if len(cfg.warnings) == 0 {
		t.Fatal("expected sanitizer warnings")
	}
}
