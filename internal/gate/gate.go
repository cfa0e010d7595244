// Package gate maps a confidence score and action context to an execution mode.
package gate

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Rule names reported in ExecutionDecision.OverridesApplied.
const (
	RuleCriticalOverride = "critical_urgency_override"
	RuleVeryHighComplex  = "very_high_complexity"
	RuleConservative     = "conservative_gate"
)

// MaxLevel bounds how far the gate can be tightened.
const MaxLevel = 4

// ErrThresholds is returned by Thresholds.Validate.
var ErrThresholds = errors.New("invalid gate thresholds")

// Thresholds are the score cut-offs checked by DecideMode.
type Thresholds struct {
	Direct   float64 `mapstructure:"direct_threshold" yaml:"direct_threshold"`
	Assisted float64 `mapstructure:"assisted_threshold" yaml:"assisted_threshold"`
	// Hybrid is carried for configuration compatibility. Any score at or above
	// it is already caught by Direct or Assisted, so DecideMode never reads it.
	Hybrid           float64 `mapstructure:"hybrid_threshold" yaml:"hybrid_threshold"`
	CriticalOverride float64 `mapstructure:"critical_override_threshold" yaml:"critical_override_threshold"`
}

// DefaultThresholds returns 0.8 / 0.3 / 0.5 / 0.95.
func DefaultThresholds() Thresholds {
	return Thresholds{Direct: 0.8, Assisted: 0.3, Hybrid: 0.5, CriticalOverride: 0.95}
}

// Validate checks every threshold is in [0,1] and assisted does not exceed direct.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"direct": t.Direct, "assisted": t.Assisted, "hybrid": t.Hybrid, "critical_override": t.CriticalOverride,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v out of [0,1]", ErrThresholds, name, v)
		}
	}
	if t.Assisted > t.Direct {
		return fmt.Errorf("%w: assisted %v above direct %v", ErrThresholds, t.Assisted, t.Direct)
	}
	return nil
}

// DecideMode is the deterministic decision table. Rules in order:
//
//  1. critical urgency and confidence >= CriticalOverride -> direct
//  2. very_high complexity -> assisted
//  3. confidence >= Direct -> direct
//  4. confidence >= Assisted -> assisted
//  5. otherwise -> confirm
//
// It also returns the override rule that fired, if any.
func DecideMode(confidence float64, actx models.ActionContext, t Thresholds) (models.ExecutionMode, string) {
	switch {
	case actx.Urgency == models.UrgencyCritical && confidence >= t.CriticalOverride:
		return models.ModeDirect, RuleCriticalOverride
	case actx.Complexity == models.ComplexityVeryHigh:
		return models.ModeAssisted, RuleVeryHighComplex
	case confidence >= t.Direct:
		return models.ModeDirect, ""
	case confidence >= t.Assisted:
		return models.ModeAssisted, ""
	default:
		return models.ModeConfirm, ""
	}
}

// Gate applies DecideMode with thresholds that recovery can tighten.
// Each conservatism level raises every threshold by Step, capped at 1.
type Gate struct {
	mu      sync.RWMutex
	base    Thresholds
	step    float64
	level   int
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l.Named("gate")
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the time source for DecidedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Gate with the given base thresholds and per-level step.
func New(base Thresholds, step float64, opts ...Option) (*Gate, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if step < 0 {
		return nil, fmt.Errorf("%w: negative conservative step %v", ErrThresholds, step)
	}
	g := &Gate{base: base, step: step, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Effective returns the thresholds after conservatism is applied.
func (g *Gate) Effective() Thresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.effectiveLocked()
}

func (g *Gate) effectiveLocked() Thresholds {
	raise := g.step * float64(g.level)
	t := g.base
	t.Direct = min(1, t.Direct+raise)
	t.Assisted = min(t.Direct, t.Assisted+raise)
	t.Hybrid = min(1, t.Hybrid+raise)
	t.CriticalOverride = min(1, t.CriticalOverride+raise)
	return t
}

// Decide builds the ExecutionDecision for a scored action. adjustments are the
// scoring post-adjustments that fired; they are recorded ahead of gate rules.
func (g *Gate) Decide(itemID, agent, action string, confidence float64, components models.ConfidenceComponents,
	adjustments []string, actx models.ActionContext) models.ExecutionDecision {
	g.mu.RLock()
	t := g.effectiveLocked()
	level := g.level
	g.mu.RUnlock()

	mode, rule := DecideMode(confidence, actx, t)

	overrides := slices.Clone(adjustments)
	if rule != "" {
		overrides = append(overrides, rule)
	}
	if level > 0 {
		overrides = append(overrides, fmt.Sprintf("%s:%d", RuleConservative, level))
	}

	g.metrics.DecisionMade(mode, confidence)
	g.logger.Debug("decision",
		zap.String("item", itemID), zap.String("agent", agent), zap.String("action", action),
		zap.Float64("confidence", confidence), zap.String("mode", string(mode)), zap.Strings("overrides", overrides))

	return models.ExecutionDecision{
		ItemID:           itemID,
		Agent:            agent,
		Action:           action,
		Mode:             mode,
		Confidence:       confidence,
		Components:       components,
		OverridesApplied: overrides,
		DecidedAt:        g.now(),
	}
}

// SetConservatism sets the tightening level, clamped to [0, MaxLevel].
func (g *Gate) SetConservatism(level int) {
	level = max(0, min(MaxLevel, level))
	g.mu.Lock()
	prev := g.level
	g.level = level
	g.mu.Unlock()

	if prev != level {
		g.logger.Info("conservatism changed", zap.Int("from", prev), zap.Int("to", level))
	}
}

// Conservatism returns the current tightening level.
func (g *Gate) Conservatism() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// SetThresholds replaces the base thresholds, e.g. after a config reload.
func (g *Gate) SetThresholds(t Thresholds, step float64) error {
	if err := t.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.base = t
	if step >= 0 {
		g.step = step
	}
	g.mu.Unlock()
	return nil
}
