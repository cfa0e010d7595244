// Package confidence computes the bounded confidence score that decides how
// much autonomy an action gets.
//
// Five components are combined by weights that sum to 1.0:
//
//	historicalSuccess  recency weighted success ratio over a trailing window
//	expertiseMatch     fit between the agent profile and the action domain
//	taskComplexity     1 - normalized complexity of the action
//	systemHealth       blended availability of underlying resources
//	recencyBonus       0.2*e^(-h/24) since the last success on this action
//
// Any component whose inputs are missing falls back to 0.5 (0 for the recency
// bonus). Scoring never fails.
package confidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Post-adjustment names, reported in Result.Adjustments.
const (
	AdjustUrgency      = "urgency_boost"
	AdjustLowRisk      = "low_risk_tolerance"
	AdjustProduction   = "production_environment"
	urgencyAdjustment  = 0.1
	lowRiskAdjustment  = -0.1
	productionAdjust   = 0.05
	weightSumTolerance = 1e-6
)

// ErrWeights is returned by Weights.Validate.
var ErrWeights = errors.New("confidence weights must be non-negative and sum to 1.0")

// Weights are the per-component multipliers.
type Weights struct {
	HistoricalSuccess float64 `mapstructure:"historical_success" yaml:"historical_success"`
	ExpertiseMatch    float64 `mapstructure:"expertise_match" yaml:"expertise_match"`
	TaskComplexity    float64 `mapstructure:"task_complexity" yaml:"task_complexity"`
	SystemHealth      float64 `mapstructure:"system_health" yaml:"system_health"`
	RecencyBonus      float64 `mapstructure:"recency_bonus" yaml:"recency_bonus"`
}

// DefaultWeights returns 0.30/0.25/0.20/0.15/0.10.
func DefaultWeights() Weights {
	return Weights{
		HistoricalSuccess: 0.30,
		ExpertiseMatch:    0.25,
		TaskComplexity:    0.20,
		SystemHealth:      0.15,
		RecencyBonus:      0.10,
	}
}

// Validate checks the weights are usable.
func (w Weights) Validate() error {
	all := []float64{w.HistoricalSuccess, w.ExpertiseMatch, w.TaskComplexity, w.SystemHealth, w.RecencyBonus}
	var sum float64
	for _, v := range all {
		if v < 0 {
			return ErrWeights
		}
		sum += v
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("%w: got %.4f", ErrWeights, sum)
	}
	return nil
}

func (w Weights) combine(c models.ConfidenceComponents) float64 {
	return w.HistoricalSuccess*c.HistoricalSuccess +
		w.ExpertiseMatch*c.ExpertiseMatch +
		w.TaskComplexity*c.TaskComplexity +
		w.SystemHealth*c.SystemHealth +
		w.RecencyBonus*c.RecencyBonus
}

// Config holds scorer tuning.
type Config struct {
	Weights Weights
	// HistoryWindow bounds how far back outcomes count.
	HistoryWindow time.Duration
	// HistoryFloor is the minimum weight of an outcome inside the window.
	HistoryFloor float64
	// Freshness is how recently a resource must have answered to count as fresh.
	Freshness time.Duration
	// CacheTTL and CacheSize bound the score cache. A zero TTL disables caching.
	CacheTTL  time.Duration
	CacheSize int
	// Complexity overrides DefaultComplexity when non-nil.
	Complexity map[string]float64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Weights:       DefaultWeights(),
		HistoryWindow: 30 * 24 * time.Hour,
		HistoryFloor:  0.1,
		Freshness:     5 * time.Minute,
		CacheTTL:      5 * time.Minute,
		CacheSize:     1024,
	}
}

// Result is a scored action.
type Result struct {
	Confidence float64
	Components models.ConfidenceComponents
	// Adjustments lists the contextual post-adjustments that fired.
	Adjustments []string
	// Defaulted lists components that fell back to their neutral value.
	Defaulted []string
	// Cached is true when the result came from the score cache.
	Cached bool
}

// Scorer computes confidence scores. It owns its cache; nothing else mutates it.
type Scorer struct {
	cfg       Config
	history   HistoryProvider
	profiles  ProfileProvider
	resources ResourceProvider
	cache     *expirable.LRU[string, Result]
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLogger sets the logger. Fallbacks are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.logger = l.Named("confidence")
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scorer) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scorer. Any provider may be nil; its component then stays neutral.
func New(cfg Config, history HistoryProvider, profiles ProfileProvider, resources ResourceProvider, opts ...Option) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.Complexity == nil {
		cfg.Complexity = DefaultComplexity
	}
	s := &Scorer{
		cfg:       cfg,
		history:   history,
		profiles:  profiles,
		resources: resources,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = DefaultConfig().CacheSize
		}
		s.cache = expirable.NewLRU[string, Result](size, nil, cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score returns the confidence for agent performing action in actx.
func (s *Scorer) Score(ctx context.Context, agent, action string, actx models.ActionContext) float64 {
	return s.Evaluate(ctx, agent, action, actx).Confidence
}

// Evaluate returns the confidence together with its components.
func (s *Scorer) Evaluate(ctx context.Context, agent, action string, actx models.ActionContext) Result {
	key := CacheKey(agent, action, actx)
	if s.cache != nil {
		if r, ok := s.cache.Get(key); ok {
			s.metrics.ScoreLookup(true)
			r.Cached = true
			return r
		}
		s.metrics.ScoreLookup(false)
	}

	r := s.compute(ctx, agent, action, actx)
	if s.cache != nil {
		s.cache.Add(key, r)
	}
	return r
}

func (s *Scorer) compute(ctx context.Context, agent, action string, actx models.ActionContext) Result {
	now := s.now()
	var r Result
	var ok bool

	var outcomes []Outcome
	if s.history != nil {
		var err error
		outcomes, err = s.history.Outcomes(ctx, agent, action, now.Add(-s.cfg.HistoryWindow))
		if err != nil {
			s.logger.Debug("history unavailable", zap.String("agent", agent), zap.String("action", action), zap.Error(err))
			outcomes = nil
		}
	}
	if r.Components.HistoricalSuccess, ok = historicalSuccess(outcomes, now, s.cfg.HistoryWindow, s.cfg.HistoryFloor); !ok {
		r.Defaulted = append(r.Defaulted, "historical_success")
	}

	var profile *models.AgentProfile
	if s.profiles != nil {
		var err error
		if profile, err = s.profiles.Profile(ctx, agent); err != nil {
			s.logger.Debug("profile unavailable", zap.String("agent", agent), zap.Error(err))
			profile = nil
		}
	}
	if r.Components.ExpertiseMatch, ok = expertiseMatch(profile, actx); !ok {
		r.Defaulted = append(r.Defaulted, "expertise_match")
	}

	if r.Components.TaskComplexity, ok = taskComplexity(s.cfg.Complexity, action, actx); !ok {
		r.Defaulted = append(r.Defaulted, "task_complexity")
	}

	var resources []Resource
	if s.resources != nil {
		var err error
		if resources, err = s.resources.Resources(ctx); err != nil {
			s.logger.Debug("resources unavailable", zap.Error(err))
			resources = nil
		}
	}
	if r.Components.SystemHealth, ok = systemHealth(resources, now, s.cfg.Freshness); !ok {
		r.Defaulted = append(r.Defaulted, "system_health")
	}

	var last time.Time
	var hasLast bool
	if s.history != nil {
		var err error
		if last, hasLast, err = s.history.LastSuccess(ctx, agent, action); err != nil {
			s.logger.Debug("last success unavailable", zap.String("agent", agent), zap.Error(err))
			hasLast = false
		}
	}
	r.Components.RecencyBonus = recencyBonus(last, hasLast, now)

	score := s.cfg.Weights.combine(r.Components)
	if actx.Urgency == models.UrgencyHigh || actx.Urgency == models.UrgencyCritical {
		score += urgencyAdjustment
		r.Adjustments = append(r.Adjustments, AdjustUrgency)
	}
	if actx.RiskTolerance == models.RiskToleranceLow {
		score += lowRiskAdjustment
		r.Adjustments = append(r.Adjustments, AdjustLowRisk)
	}
	if actx.Environment == models.EnvironmentProduction {
		score += productionAdjust
		r.Adjustments = append(r.Adjustments, AdjustProduction)
	}
	r.Confidence = clamp(score)

	if len(r.Defaulted) > 0 {
		s.logger.Debug("scored with neutral defaults",
			zap.String("agent", agent), zap.String("action", action),
			zap.Strings("defaulted", r.Defaulted), zap.Float64("confidence", r.Confidence))
	}
	return r
}

// InvalidateAction drops the cached scores for (agent, action) in every
// context. History is looked up per agent and action, so one outcome moves
// them all.
func (s *Scorer) InvalidateAction(agent, action string) {
	if s.cache == nil {
		return
	}
	prefix := agent + "\x00" + action + "\x00"
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
}

// Purge drops every cached score.
func (s *Scorer) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// CacheLen returns the number of cached scores.
func (s *Scorer) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

// CacheKey is agent, action and a hash of the canonicalized context.
func CacheKey(agent, action string, actx models.ActionContext) string {
	return agent + "\x00" + action + "\x00" + ContextHash(actx)
}

// ContextHash returns a stable hash of actx. Tag order does not matter.
func ContextHash(actx models.ActionContext) string {
	c := actx.Clone()
	slices.Sort(c.ExpertiseTags)
	c.ExpertiseTags = slices.Compact(c.ExpertiseTags)
	// Struct fields marshal in declaration order, so the encoding is canonical.
	data, err := json.Marshal(c)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", c))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
