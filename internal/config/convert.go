package config

import (
	"time"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/internal/health"
)

// BreakerSettings returns the supervisor configuration. An unset call
// timeout takes the executor's, so the breaker never cuts an action short.
func (c *Config) BreakerSettings() breaker.Config {
	timeout := c.Breaker.CallTimeout
	if timeout == 0 {
		timeout = c.Executor.Timeout
	}
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Cooldown:         c.Breaker.Cooldown,
		CallTimeout:      timeout,
	}
}

// ScorerSettings returns the confidence scorer configuration.
func (c *Config) ScorerSettings() confidence.Config {
	cfg := confidence.DefaultConfig()
	cfg.Weights = c.Scoring.Weights
	cfg.HistoryWindow = time.Duration(c.Scoring.HistoryWindowDays) * 24 * time.Hour
	cfg.HistoryFloor = c.Scoring.HistoryFloor
	cfg.CacheTTL = c.Scoring.CacheTTL
	cfg.CacheSize = c.Scoring.CacheSize
	return cfg
}

// MonitorSettings returns the health monitor configuration.
func (c *Config) MonitorSettings() health.Config {
	cfg := health.DefaultConfig()
	cfg.Interval = c.Health.CheckInterval
	cfg.Thresholds.ErrorRate = c.Health.ErrorRateThreshold
	cfg.Thresholds.LatencyFactor = c.Health.LatencyFactor
	cfg.Thresholds.MemoryFraction = c.Health.MemoryThreshold
	cfg.Thresholds.ConsecutiveFailures = c.Health.ConsecutiveFailures
	cfg.SignalBuffer = c.Health.SignalBuffer
	return cfg
}

// RecoverySettings returns the recovery coordinator bounds.
func (c *Config) RecoverySettings() health.RecoveryConfig {
	return health.RecoveryConfig{
		MaxAttempts:   c.Recovery.MaxAttempts,
		Timeout:       c.Recovery.Timeout,
		BackoffBase:   c.Recovery.BackoffBase,
		BackoffCap:    c.Recovery.BackoffCap,
		Stabilization: c.Recovery.Stabilization,
		Retention:     c.Recovery.Retention,
	}
}
