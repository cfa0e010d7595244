package confidence

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ShayCichocki/steward/pkg/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHistory struct {
	outcomes []Outcome
	last     time.Time
	hasLast  bool
	err      error
	calls    int
}

func (f *fakeHistory) Outcomes(_ context.Context, _, _ string, since time.Time) ([]Outcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Outcome
	for _, o := range f.outcomes {
		if !o.At.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeHistory) LastSuccess(context.Context, string, string) (time.Time, bool, error) {
	return f.last, f.hasLast, f.err
}

type fakeProfiles map[string]*models.AgentProfile

func (f fakeProfiles) Profile(_ context.Context, agent string) (*models.AgentProfile, error) {
	return f[agent], nil
}

type fakeResources struct {
	res []Resource
	err error
}

func (f fakeResources) Resources(context.Context) ([]Resource, error) { return f.res, f.err }

func newScorer(t *testing.T, h HistoryProvider, p ProfileProvider, r ResourceProvider, opts ...Option) *Scorer {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	s, err := New(DefaultConfig(), h, p, r, opts...)
	require.NoError(t, err)
	return s
}

func healthyResources() fakeResources {
	return fakeResources{res: []Resource{
		{Name: "executor", Active: true, Reachable: true, LastSeen: now.Add(-time.Minute)},
		{Name: "store", Active: true, Reachable: true, LastSeen: now},
	}}
}

func TestEvaluate_ProvenAgentScoresHigh(t *testing.T) {
	h := &fakeHistory{hasLast: true, last: now.Add(-time.Hour)}
	for i := 0; i < 10; i++ {
		h.outcomes = append(h.outcomes, Outcome{Success: true, At: now.Add(-time.Duration(i+1) * time.Hour)})
	}
	profiles := fakeProfiles{"dba": {ID: "dba", Specialties: []string{"database"}}}

	s := newScorer(t, h, profiles, healthyResources())
	r := s.Evaluate(context.Background(), "dba", "read:schema", models.ActionContext{Domain: "database"})

	assert.InDelta(t, 1.0, r.Components.HistoricalSuccess, 1e-9)
	assert.InDelta(t, 1.0, r.Components.ExpertiseMatch, 1e-9)
	assert.InDelta(t, 0.9, r.Components.TaskComplexity, 1e-9)
	assert.InDelta(t, 1.0, r.Components.SystemHealth, 1e-9)
	assert.InDelta(t, 0.2*0.9592, r.Components.RecencyBonus, 1e-3)
	assert.GreaterOrEqual(t, r.Confidence, 0.8)
	assert.Empty(t, r.Defaulted)
}

func TestEvaluate_NoDataIsNeutral(t *testing.T) {
	s := newScorer(t, nil, nil, nil)
	r := s.Evaluate(context.Background(), "ghost", "frobnicate", models.ActionContext{})

	assert.Equal(t, Neutral, r.Components.HistoricalSuccess)
	assert.Equal(t, Neutral, r.Components.ExpertiseMatch)
	assert.Equal(t, Neutral, r.Components.TaskComplexity)
	assert.Equal(t, Neutral, r.Components.SystemHealth)
	assert.Zero(t, r.Components.RecencyBonus)
	// 0.5 * (0.30+0.25+0.20+0.15)
	assert.InDelta(t, 0.45, r.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"historical_success", "expertise_match", "task_complexity", "system_health"}, r.Defaulted)
}

func TestEvaluate_ProviderErrorsDegradeAndLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := &fakeHistory{err: errors.New("db down")}
	s := newScorer(t, h, nil, fakeResources{err: errors.New("no probe")}, WithLogger(zap.New(core)))

	r := s.Evaluate(context.Background(), "a", "read", models.ActionContext{})
	assert.Equal(t, Neutral, r.Components.HistoricalSuccess)
	assert.Equal(t, Neutral, r.Components.SystemHealth)
	assert.NotZero(t, logs.FilterMessage("history unavailable").Len())
	for _, e := range logs.All() {
		assert.Equal(t, zapcore.DebugLevel, e.Level)
	}
}

func TestEvaluate_PostAdjustments(t *testing.T) {
	s := newScorer(t, nil, nil, nil)
	ctx := context.Background()

	base := s.Evaluate(ctx, "a", "unknownaction", models.ActionContext{}).Confidence

	prod := s.Evaluate(ctx, "a", "unknownaction", models.ActionContext{Environment: "production"})
	assert.InDelta(t, base+0.05, prod.Confidence, 1e-9)
	assert.Equal(t, []string{AdjustProduction}, prod.Adjustments)

	low := s.Evaluate(ctx, "a", "unknownaction", models.ActionContext{RiskTolerance: models.RiskToleranceLow})
	assert.InDelta(t, base-0.1, low.Confidence, 1e-9)

	urgent := s.Evaluate(ctx, "a", "unknownaction", models.ActionContext{Urgency: models.UrgencyCritical})
	// Urgency also raises complexity by 0.1, costing 0.2*0.1 of the complexity component.
	assert.InDelta(t, base+0.1-0.02, urgent.Confidence, 1e-9)
	assert.Contains(t, urgent.Adjustments, AdjustUrgency)
}

func TestScore_AlwaysBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	urgencies := []models.Urgency{"", models.UrgencyLow, models.UrgencyHigh, models.UrgencyCritical}
	complexities := []models.Complexity{"", models.ComplexityLow, models.ComplexityHigh, models.ComplexityVeryHigh}
	actions := []string{"read", "deploy", "migrate:db", "nope"}

	for i := 0; i < 500; i++ {
		h := &fakeHistory{hasLast: rng.Intn(2) == 0, last: now.Add(-time.Duration(rng.Intn(200)) * time.Hour)}
		for j := rng.Intn(20); j > 0; j-- {
			h.outcomes = append(h.outcomes, Outcome{
				Success: rng.Intn(2) == 0,
				At:      now.Add(-time.Duration(rng.Intn(60*24)) * time.Hour),
			})
		}
		res := fakeResources{}
		for j := rng.Intn(4); j > 0; j-- {
			res.res = append(res.res, Resource{Active: rng.Intn(2) == 0, Reachable: rng.Intn(2) == 0, LastSeen: now})
		}
		profiles := fakeProfiles{"a": {Specialties: []string{"x"}, Generalist: rng.Intn(2) == 0, ExpertiseTags: []string{"t1", "t2"}}}
		s, err := New(Config{Weights: DefaultWeights(), HistoryWindow: 30 * 24 * time.Hour, HistoryFloor: 0.1, Freshness: time.Minute},
			h, profiles, res, WithClock(func() time.Time { return now }))
		require.NoError(t, err)

		actx := models.ActionContext{
			Urgency:              urgencies[rng.Intn(len(urgencies))],
			Complexity:           complexities[rng.Intn(len(complexities))],
			TimePressure:         rng.Intn(2) == 0,
			DeclaredDependencies: rng.Intn(8),
			Domain:               []string{"", "x", "y"}[rng.Intn(3)],
			ExpertiseTags:        []string{"t1", "t2", "t3"}[:rng.Intn(4)],
		}
		if rng.Intn(2) == 0 {
			actx.Environment = "production"
		}
		if rng.Intn(2) == 0 {
			actx.RiskTolerance = models.RiskToleranceLow
		}

		r := s.Evaluate(context.Background(), "a", actions[rng.Intn(len(actions))], actx)
		require.GreaterOrEqual(t, r.Confidence, 0.0)
		require.LessOrEqual(t, r.Confidence, 1.0)
		for _, c := range []float64{r.Components.HistoricalSuccess, r.Components.ExpertiseMatch,
			r.Components.TaskComplexity, r.Components.SystemHealth, r.Components.RecencyBonus} {
			require.GreaterOrEqual(t, c, 0.0)
			require.LessOrEqual(t, c, 1.0)
		}
	}
}

type nopRecorder struct{ err error }

func (n nopRecorder) RecordExecution(context.Context, string, string, models.ActionContext, bool, int64, models.ExecutionMode) error {
	return n.err
}

func TestCache_HitAndInvalidateOnOutcome(t *testing.T) {
	h := &fakeHistory{}
	s := newScorer(t, h, nil, nil)
	ctx := context.Background()
	actx := models.ActionContext{Domain: "db"}

	first := s.Evaluate(ctx, "a", "read", actx)
	second := s.Evaluate(ctx, "a", "read", actx)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, h.calls)

	// A different context is a different key.
	s.Evaluate(ctx, "a", "read", models.ActionContext{Domain: "web"})
	assert.Equal(t, 2, h.calls)

	rec := s.Recorder(nopRecorder{err: errors.New("disk full")})
	require.Error(t, rec.RecordExecution(ctx, "a", "read", actx, true, 10, models.ModeDirect))

	third := s.Evaluate(ctx, "a", "read", actx)
	assert.False(t, third.Cached)
	assert.Equal(t, 3, h.calls)
}

func TestCache_OutcomeInvalidatesEveryContext(t *testing.T) {
	h := &fakeHistory{}
	s := newScorer(t, h, nil, nil)
	ctx := context.Background()
	db := models.ActionContext{Domain: "db"}
	web := models.ActionContext{Domain: "web"}

	s.Evaluate(ctx, "a", "read", db)
	s.Evaluate(ctx, "a", "read", web)
	s.Evaluate(ctx, "a", "write", db)
	s.Evaluate(ctx, "ab", "read", db)
	require.Equal(t, 4, s.CacheLen())

	rec := s.Recorder(nopRecorder{})
	require.NoError(t, rec.RecordExecution(ctx, "a", "read", db, false, 10, models.ModeDirect))

	assert.Equal(t, 2, s.CacheLen())
	assert.False(t, s.Evaluate(ctx, "a", "read", web).Cached, "other contexts share the history")
	assert.True(t, s.Evaluate(ctx, "a", "write", db).Cached)
	assert.True(t, s.Evaluate(ctx, "ab", "read", db).Cached)
}

func TestCache_DisabledWithZeroTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 0
	s, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	s.Evaluate(context.Background(), "a", "read", models.ActionContext{})
	assert.False(t, s.Evaluate(context.Background(), "a", "read", models.ActionContext{}).Cached)
	assert.Zero(t, s.CacheLen())
}

func TestContextHash_TagOrderIndependent(t *testing.T) {
	a := ContextHash(models.ActionContext{ExpertiseTags: []string{"b", "a"}})
	b := ContextHash(models.ActionContext{ExpertiseTags: []string{"a", "b", "a"}})
	c := ContextHash(models.ActionContext{ExpertiseTags: []string{"a"}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestWeights_Validate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	w.RecencyBonus = 0.2
	assert.ErrorIs(t, w.Validate(), ErrWeights)

	w = DefaultWeights()
	w.HistoricalSuccess, w.ExpertiseMatch = -0.1, 0.65
	assert.ErrorIs(t, w.Validate(), ErrWeights)

	_, err := New(Config{Weights: w}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrWeights)
}
