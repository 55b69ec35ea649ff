package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/portal")
	t.Setenv("JWT_ACCESS_SECRET", "secret")
}

func TestLoadAppliesQueueDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.GetDebounceWindow(); got != 5*time.Minute {
		t.Fatalf("expected debounce window 5m, got %s", got)
	}
	if got := cfg.GetGracePeriod(); got != 5*time.Minute {
		t.Fatalf("expected grace period 5m, got %s", got)
	}
	if got := cfg.GetPollInterval(); got != 5*time.Second {
		t.Fatalf("expected poll interval 5s, got %s", got)
	}
	if cfg.GetActivityConcurrency() != 10 || cfg.GetBatchConcurrency() != 5 {
		t.Fatalf("unexpected concurrency ceilings: %d/%d", cfg.GetActivityConcurrency(), cfg.GetBatchConcurrency())
	}
	if cfg.GetMaxRetries() != 3 {
		t.Fatalf("expected max retries 3, got %d", cfg.GetMaxRetries())
	}
	if cfg.GetCompletedRetention() != 7*24*time.Hour {
		t.Fatalf("expected retention 168h, got %s", cfg.GetCompletedRetention())
	}
	if cfg.GetWorkerID() == "" {
		t.Fatalf("expected a generated worker id")
	}
}

func TestLoadReadsQueueOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("INTEL_QUEUE_DEBOUNCE_WINDOW_MS", "1500")
	t.Setenv("INTEL_QUEUE_BATCH_CONCURRENCY", "2")
	t.Setenv("INTEL_QUEUE_WORKER_ID", "worker-a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.GetDebounceWindow(); got != 1500*time.Millisecond {
		t.Fatalf("expected debounce window 1.5s, got %s", got)
	}
	if cfg.GetBatchConcurrency() != 2 {
		t.Fatalf("expected batch concurrency 2, got %d", cfg.GetBatchConcurrency())
	}
	if cfg.GetWorkerID() != "worker-a" {
		t.Fatalf("expected worker id override, got %q", cfg.GetWorkerID())
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_ACCESS_SECRET", "secret")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is empty")
	}
}

func TestLoadRejectsZeroConcurrency(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("INTEL_QUEUE_ACTIVITY_CONCURRENCY", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for zero activity concurrency")
	}
}

func TestLoadRejectsInvalidQueueWindows(t *testing.T) {
	cases := map[string]string{
		"INTEL_QUEUE_DEBOUNCE_WINDOW_MS": "0",
		"INTEL_QUEUE_GRACE_PERIOD_MS":    "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(key, value)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestLoadAcceptsZeroGracePeriod(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("INTEL_QUEUE_GRACE_PERIOD_MS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GetGracePeriod() != 0 {
		t.Fatalf("expected zero grace period, got %s", cfg.GetGracePeriod())
	}
}
