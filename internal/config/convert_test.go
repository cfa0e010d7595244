package config

import (
	"testing"
	"time"
)

func TestSettingsConversion(t *testing.T) {
	cfg := Default()
	cfg.Breaker.Cooldown = 2 * time.Minute
	cfg.Scoring.HistoryWindowDays = 7
	cfg.Health.ConsecutiveFailures = 9
	cfg.Recovery.MaxAttempts = 4

	if got := cfg.BreakerSettings(); got.Cooldown != 2*time.Minute || got.FailureThreshold != cfg.Breaker.FailureThreshold {
		t.Errorf("BreakerSettings() = %+v", got)
	}
	if got := cfg.BreakerSettings().CallTimeout; got != cfg.Executor.Timeout {
		t.Errorf("unset call timeout = %v, want executor timeout %v", got, cfg.Executor.Timeout)
	}
	cfg.Breaker.CallTimeout = time.Hour
	if got := cfg.BreakerSettings().CallTimeout; got != time.Hour {
		t.Errorf("explicit call timeout = %v, want 1h", got)
	}
	sc := cfg.ScorerSettings()
	if sc.HistoryWindow != 7*24*time.Hour {
		t.Errorf("expected a 7 day history window, got %v", sc.HistoryWindow)
	}
	if sc.Weights != cfg.Scoring.Weights || sc.Freshness <= 0 {
		t.Errorf("ScorerSettings() = %+v", sc)
	}
	mon := cfg.MonitorSettings()
	if mon.Thresholds.ConsecutiveFailures != 9 || mon.Interval != cfg.Health.CheckInterval {
		t.Errorf("MonitorSettings() = %+v", mon)
	}
	if mon.SampleWindow <= 0 || mon.Thresholds.MinSamples <= 0 {
		t.Errorf("expected sample defaults to survive, got %+v", mon)
	}
	if got := cfg.RecoverySettings(); got.MaxAttempts != 4 || got.Retention != cfg.Recovery.Retention {
		t.Errorf("RecoverySettings() = %+v", got)
	}
}
