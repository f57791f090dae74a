package workflow

import (
	"os"
	"strconv"
	"time"
)

type RetryConfig struct {
	MaxAttempts  int
	Stages       []time.Duration
	FinalBackoff time.Duration
}

// GetRetryConfig reads the staged backoff table. Stages are operator-tunable
// delays, not strict exponential growth: 1m, 5m, 15m, 60m, then FinalBackoff
// for every later attempt up to MaxAttempts.
func GetRetryConfig() RetryConfig {
	cfg := RetryConfig{
		MaxAttempts: 5,
		Stages: []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			60 * time.Minute,
		},
		FinalBackoff: 180 * time.Minute,
	}

	if v := os.Getenv("OPERATION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("OPERATION_FINAL_BACKOFF_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FinalBackoff = time.Duration(n) * time.Minute
		}
	}

	return cfg
}

// Backoff returns the delay before the next attempt, given how many attempts
// have already run.
func (cfg RetryConfig) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	if attempts <= len(cfg.Stages) {
		return cfg.Stages[attempts-1]
	}
	return cfg.FinalBackoff
}

// NextRetryAt computes when a failed operation becomes due again. Once the
// attempt ceiling is reached it returns nil: the row stays FAILED with a NULL
// next_retry_at and requires manual re-arm.
func (cfg RetryConfig) NextRetryAt(now time.Time, attempts int) *time.Time {
	if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
		return nil
	}
	t := now.Add(cfg.Backoff(attempts))
	return &t
}
