// Package config handles configuration loading and management for steward.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/health"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/pkg/models"
)

var envReplacer = strings.NewReplacer(".", "_")

// EnvPrefix prefixes every environment override, e.g. STEWARD_GATE_DIRECT_THRESHOLD.
const EnvPrefix = "STEWARD"

// Config holds all configuration for steward.
type Config struct {
	Gate      GateConfig            `mapstructure:"gate"`
	Breaker   BreakerConfig         `mapstructure:"breaker"`
	Recovery  RecoveryConfig        `mapstructure:"recovery"`
	Scoring   ScoringConfig         `mapstructure:"scoring"`
	Health    HealthConfig          `mapstructure:"health"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler"`
	Approval  ApprovalConfig        `mapstructure:"approval"`
	Executor  ExecutorConfig        `mapstructure:"executor"`
	Store     StoreConfig           `mapstructure:"store"`
	Logging   logging.Config        `mapstructure:"logging"`
	Metrics   MetricsConfig         `mapstructure:"metrics"`
	NATS      NATSConfig            `mapstructure:"nats"`
	Alert     AlertConfig           `mapstructure:"alert"`
	Agents    []models.AgentProfile `mapstructure:"agents"`
}

// GateConfig holds execution gate thresholds.
type GateConfig struct {
	gate.Thresholds `mapstructure:",squash"`
	// ConservativeStep is added to the direct and assisted thresholds per
	// conservatism level while the system is unhealthy.
	ConservativeStep float64 `mapstructure:"conservative_step"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	// CallTimeout bounds one guarded call. Zero follows executor.timeout.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// RecoveryConfig holds recovery coordinator bounds.
type RecoveryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	Stabilization time.Duration `mapstructure:"stabilization"`
	Retention     time.Duration `mapstructure:"retention"`
}

// ScoringConfig holds confidence scorer tuning.
type ScoringConfig struct {
	HistoryWindowDays int                `mapstructure:"history_window_days"`
	HistoryFloor      float64            `mapstructure:"history_floor"`
	CacheTTL          time.Duration      `mapstructure:"cache_ttl"`
	CacheSize         int                `mapstructure:"cache_size"`
	Weights           confidence.Weights `mapstructure:"weights"`
}

// HealthConfig holds detector settings.
type HealthConfig struct {
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	ErrorRateThreshold  float64       `mapstructure:"error_rate_threshold"`
	LatencyFactor       float64       `mapstructure:"latency_factor"`
	MemoryThreshold     float64       `mapstructure:"memory_threshold"`
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
	SignalBuffer        int           `mapstructure:"signal_buffer"`
}

// SchedulerConfig holds sweep and dispatch settings.
type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// ApprovalConfig holds human approval settings.
type ApprovalConfig struct {
	// Timeout after which an unanswered approval is rejected.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExecutorConfig selects how actions run.
type ExecutorConfig struct {
	// Command is run once per action. Empty disables the command executor.
	Command []string `mapstructure:"command"`
	// Subject, when set, sends actions as NATS requests instead.
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds database settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// NATSConfig holds messaging settings. An empty URL disables NATS.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	IntakeSubject string `mapstructure:"intake_subject"`
	AlertSubject  string `mapstructure:"alert_subject"`

	// ApprovalSubject carries approval requests (<subject>.requests) and
	// answers (<subject>.responses).
	ApprovalSubject string `mapstructure:"approval_subject"`
}

// AlertConfig holds alert delivery settings.
type AlertConfig struct {
	RatePerMinute int `mapstructure:"rate_per_minute"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (STEWARD_<SECTION>_<KEY>)
// 2. Project config (.steward.yaml in current directory or parent)
// 3. User config (~/.config/steward/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)
	cfg.NATS.URL = os.ExpandEnv(cfg.NATS.URL)
	if len(cfg.Executor.Command) == 0 {
		cfg.Executor.Command = nil
	}
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes the configuration to path.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	for key, val := range cfg.Settings() {
		v.Set(key, val)
	}
	v.Set("agents", cfg.Agents)
	return v.WriteConfigAs(path)
}

// Settings flattens every scalar option to its dotted key. Durations are
// rendered as strings so they round-trip through YAML.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"gate.direct_threshold":              c.Gate.Direct,
		"gate.assisted_threshold":            c.Gate.Assisted,
		"gate.hybrid_threshold":              c.Gate.Hybrid,
		"gate.critical_override_threshold":   c.Gate.CriticalOverride,
		"gate.conservative_step":             c.Gate.ConservativeStep,
		"breaker.failure_threshold":          c.Breaker.FailureThreshold,
		"breaker.cooldown":                   c.Breaker.Cooldown.String(),
		"breaker.call_timeout":               c.Breaker.CallTimeout.String(),
		"recovery.max_attempts":              c.Recovery.MaxAttempts,
		"recovery.timeout":                   c.Recovery.Timeout.String(),
		"recovery.backoff_base":              c.Recovery.BackoffBase.String(),
		"recovery.backoff_cap":               c.Recovery.BackoffCap.String(),
		"recovery.stabilization":             c.Recovery.Stabilization.String(),
		"recovery.retention":                 c.Recovery.Retention.String(),
		"scoring.history_window_days":        c.Scoring.HistoryWindowDays,
		"scoring.history_floor":              c.Scoring.HistoryFloor,
		"scoring.cache_ttl":                  c.Scoring.CacheTTL.String(),
		"scoring.cache_size":                 c.Scoring.CacheSize,
		"scoring.weights.historical_success": c.Scoring.Weights.HistoricalSuccess,
		"scoring.weights.expertise_match":    c.Scoring.Weights.ExpertiseMatch,
		"scoring.weights.task_complexity":    c.Scoring.Weights.TaskComplexity,
		"scoring.weights.system_health":      c.Scoring.Weights.SystemHealth,
		"scoring.weights.recency_bonus":      c.Scoring.Weights.RecencyBonus,
		"health.check_interval":              c.Health.CheckInterval.String(),
		"health.error_rate_threshold":        c.Health.ErrorRateThreshold,
		"health.latency_factor":              c.Health.LatencyFactor,
		"health.memory_threshold":            c.Health.MemoryThreshold,
		"health.consecutive_failures":        c.Health.ConsecutiveFailures,
		"health.signal_buffer":               c.Health.SignalBuffer,
		"scheduler.sweep_interval":           c.Scheduler.SweepInterval.String(),
		"scheduler.batch_size":               c.Scheduler.BatchSize,
		"approval.timeout":                   c.Approval.Timeout.String(),
		"executor.command":                   c.Executor.Command,
		"executor.subject":                   c.Executor.Subject,
		"executor.timeout":                   c.Executor.Timeout.String(),
		"store.path":                         c.Store.Path,
		"logging.level":                      c.Logging.Level,
		"logging.format":                     c.Logging.Format,
		"logging.file":                       c.Logging.File,
		"metrics.addr":                       c.Metrics.Addr,
		"nats.url":                           c.NATS.URL,
		"nats.intake_subject":                c.NATS.IntakeSubject,
		"nats.alert_subject":                 c.NATS.AlertSubject,
		"nats.approval_subject":              c.NATS.ApprovalSubject,
		"alert.rate_per_minute":              c.Alert.RatePerMinute,
	}
}

// Keys returns every option key, sorted.
func Keys() []string {
	keys := make([]string, 0, 64)
	for k := range Default().Settings() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set writes a single key into the config file at path, creating the file if
// needed, and returns the reloaded configuration. Unknown keys are rejected.
func Set(path, key string, value string) (*Config, error) {
	if _, ok := Default().Settings()[key]; !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}
	v.Set(key, parseValue(value))

	// Validate before writing so a bad value never lands on disk.
	check := newViper()
	if err := check.MergeConfigMap(v.AllSettings()); err != nil {
		return nil, err
	}
	cfg, err := decode(check)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := v.WriteConfigAs(path); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	return cfg, nil
}

// parseValue reads value as a YAML scalar or list so numbers and booleans are
// written typed. Anything that does not parse is kept as a string.
func parseValue(value string) any {
	var typed any
	if err := yaml.Unmarshal([]byte(value), &typed); err != nil || typed == nil {
		return value
	}
	return typed
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	for key, val := range Default().Settings() {
		v.SetDefault(key, val)
	}
}

// getUserConfigDir returns the XDG config directory for steward.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "steward")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "steward")
	}
	return filepath.Join(home, ".config", "steward")
}

// findProjectConfig searches for .steward.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".steward.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// defaultStorePath mirrors state.DefaultDBPath without importing the store.
func defaultStorePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "steward", "steward.db")
}

// Default returns a Config with default values.
func Default() *Config {
	rec := health.DefaultRecoveryConfig()
	mon := health.DefaultConfig()
	return &Config{
		Gate: GateConfig{
			Thresholds:       gate.DefaultThresholds(),
			ConservativeStep: 0.05,
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.DefaultFailureThreshold,
			Cooldown:         breaker.DefaultCooldown,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:   rec.MaxAttempts,
			Timeout:       rec.Timeout,
			BackoffBase:   rec.BackoffBase,
			BackoffCap:    rec.BackoffCap,
			Stabilization: rec.Stabilization,
			Retention:     rec.Retention,
		},
		Scoring: ScoringConfig{
			HistoryWindowDays: 30,
			HistoryFloor:      0.1,
			CacheTTL:          5 * time.Minute,
			CacheSize:         1024,
			Weights:           confidence.DefaultWeights(),
		},
		Health: HealthConfig{
			CheckInterval:       mon.Interval,
			ErrorRateThreshold:  mon.Thresholds.ErrorRate,
			LatencyFactor:       mon.Thresholds.LatencyFactor,
			MemoryThreshold:     mon.Thresholds.MemoryFraction,
			ConsecutiveFailures: mon.Thresholds.ConsecutiveFailures,
			SignalBuffer:        mon.SignalBuffer,
		},
		Scheduler: SchedulerConfig{
			SweepInterval: 10 * time.Second,
			BatchSize:     4,
		},
		Approval: ApprovalConfig{Timeout: 30 * time.Minute},
		Executor: ExecutorConfig{Timeout: 10 * time.Minute},
		Store:    StoreConfig{Path: defaultStorePath()},
		Logging:  logging.DefaultConfig(),
		Metrics:  MetricsConfig{Addr: ":9464"},
		NATS: NATSConfig{
			IntakeSubject:   "steward.tasks",
			AlertSubject:    "steward.alerts",
			ApprovalSubject: "steward.approvals",
		},
		Alert: AlertConfig{RatePerMinute: 30},
	}
}

// Validate checks every section and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := c.Gate.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Gate.ConservativeStep < 0 || c.Gate.ConservativeStep > 1 {
		add("gate.conservative_step must be in [0,1], got %v", c.Gate.ConservativeStep)
	}
	if c.Breaker.FailureThreshold < 1 {
		add("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		add("breaker.cooldown must be positive")
	}
	if c.Executor.Timeout <= 0 {
		add("executor.timeout must be positive")
	}
	switch {
	case c.Breaker.CallTimeout < 0:
		add("breaker.call_timeout must not be negative")
	case c.Breaker.CallTimeout > 0 && c.Breaker.CallTimeout < c.Executor.Timeout:
		add("breaker.call_timeout (%v) must be >= executor.timeout (%v)", c.Breaker.CallTimeout, c.Executor.Timeout)
	}
	if c.Recovery.MaxAttempts < 1 {
		add("recovery.max_attempts must be >= 1, got %d", c.Recovery.MaxAttempts)
	}
	if c.Recovery.Timeout <= 0 || c.Recovery.Retention <= 0 {
		add("recovery.timeout and recovery.retention must be positive")
	}
	if c.Recovery.BackoffBase < 0 || c.Recovery.BackoffCap < 0 || c.Recovery.Stabilization < 0 {
		add("recovery backoff and stabilization must not be negative")
	}
	if c.Scoring.HistoryWindowDays < 1 {
		add("scoring.history_window_days must be >= 1, got %d", c.Scoring.HistoryWindowDays)
	}
	if c.Scoring.HistoryFloor < 0 || c.Scoring.HistoryFloor > 1 {
		add("scoring.history_floor must be in [0,1], got %v", c.Scoring.HistoryFloor)
	}
	if err := c.Scoring.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Health.CheckInterval <= 0 {
		add("health.check_interval must be positive")
	}
	for name, v := range map[string]float64{
		"health.error_rate_threshold": c.Health.ErrorRateThreshold,
		"health.memory_threshold":     c.Health.MemoryThreshold,
	} {
		if v <= 0 || v > 1 {
			add("%s must be in (0,1], got %v", name, v)
		}
	}
	if c.Health.LatencyFactor <= 1 {
		add("health.latency_factor must be > 1, got %v", c.Health.LatencyFactor)
	}
	if c.Health.ConsecutiveFailures < 1 {
		add("health.consecutive_failures must be >= 1, got %d", c.Health.ConsecutiveFailures)
	}
	if c.Scheduler.SweepInterval <= 0 {
		add("scheduler.sweep_interval must be positive")
	}
	if c.Scheduler.BatchSize < 1 {
		add("scheduler.batch_size must be >= 1, got %d", c.Scheduler.BatchSize)
	}
	if c.Approval.Timeout <= 0 {
		add("approval.timeout must be positive")
	}
	if c.Store.Path == "" {
		add("store.path must be set")
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Alert.RatePerMinute < 1 {
		add("alert.rate_per_minute must be >= 1, got %d", c.Alert.RatePerMinute)
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.ID == "" {
			add("agents: profile without id")
		} else if seen[a.ID] {
			add("agents: duplicate profile %q", a.ID)
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}
