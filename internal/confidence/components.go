package confidence

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Neutral is the value a component takes when its inputs are missing.
const Neutral = 0.5

// Outcome is one recorded execution of an agent on an action.
type Outcome struct {
	Success bool
	At      time.Time
}

// HistoryProvider supplies past outcomes for an (agent, action) pair.
type HistoryProvider interface {
	// Outcomes returns outcomes recorded at or after since.
	Outcomes(ctx context.Context, agent, action string, since time.Time) ([]Outcome, error)
	// LastSuccess returns the most recent successful outcome, if any.
	LastSuccess(ctx context.Context, agent, action string) (time.Time, bool, error)
}

// ProfileProvider looks up agent profiles. A nil profile means the agent is unknown.
type ProfileProvider interface {
	Profile(ctx context.Context, agent string) (*models.AgentProfile, error)
}

// Resource is the availability of one underlying dependency.
type Resource struct {
	Name      string
	Active    bool
	Reachable bool
	// LastSeen is the last time the resource answered successfully.
	LastSeen time.Time
}

// ResourceProvider reports current resource availability.
type ResourceProvider interface {
	Resources(ctx context.Context) ([]Resource, error)
}

// DefaultComplexity maps action types to a normalized base complexity.
var DefaultComplexity = map[string]float64{
	"read":     0.1,
	"query":    0.1,
	"notify":   0.15,
	"analyze":  0.3,
	"test":     0.3,
	"write":    0.4,
	"update":   0.4,
	"refactor": 0.6,
	"deploy":   0.7,
	"migrate":  0.8,
	"delete":   0.8,
}

// Complexity increments applied on top of the table lookup.
const (
	urgencyComplexity      = 0.1
	highComplexity         = 0.15
	veryHighComplexity     = 0.25
	manyDepsComplexity     = 0.1
	timePressureComplexity = 0.1
	manyDepsThreshold      = 3
)

// historicalSuccess is the recency weighted success ratio. Weights fall
// linearly from 1 at age zero to floor at the edge of the window.
func historicalSuccess(outcomes []Outcome, now time.Time, window time.Duration, floor float64) (float64, bool) {
	var num, den float64
	for _, o := range outcomes {
		age := now.Sub(o.At)
		if age < 0 {
			age = 0
		}
		if age > window {
			continue
		}
		w := max(floor, 1-float64(age)/float64(window))
		den += w
		if o.Success {
			num += w
		}
	}
	if den == 0 {
		return Neutral, false
	}
	return num / den, true
}

// expertiseMatch scores how well the agent fits the action's domain.
func expertiseMatch(p *models.AgentProfile, actx models.ActionContext) (float64, bool) {
	if p == nil {
		return Neutral, false
	}

	var score float64
	switch {
	case actx.Domain == "":
		score = 0.8
	case p.HasSpecialty(actx.Domain):
		score = 1.0
	case p.Generalist:
		score = 0.7
	default:
		score = 0.3
	}

	if n := len(actx.ExpertiseTags); n > 0 {
		bonus := 0.2 * float64(p.SharedTags(actx.ExpertiseTags)) / float64(n)
		score += bonus
	}
	return clamp(score), true
}

// actionType is the action name up to the first separator, lower cased.
func actionType(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	if i := strings.IndexAny(action, ":./ "); i >= 0 {
		return action[:i]
	}
	return action
}

// taskComplexity returns the component value (1 - complexity) so that simpler
// tasks raise confidence. Unknown action types start from the neutral midpoint.
func taskComplexity(table map[string]float64, action string, actx models.ActionContext) (float64, bool) {
	c, known := table[actionType(action)]
	if !known {
		c = Neutral
	}

	if actx.Urgency == models.UrgencyHigh || actx.Urgency == models.UrgencyCritical {
		c += urgencyComplexity
	}
	switch actx.Complexity {
	case models.ComplexityHigh:
		c += highComplexity
	case models.ComplexityVeryHigh:
		c += veryHighComplexity
	}
	if actx.DeclaredDependencies > manyDepsThreshold {
		c += manyDepsComplexity
	}
	if actx.TimePressure {
		c += timePressureComplexity
	}
	return 1 - clamp(c), known
}

// systemHealth blends active, reachable and fresh fractions 0.4/0.4/0.2.
func systemHealth(resources []Resource, now time.Time, freshness time.Duration) (float64, bool) {
	if len(resources) == 0 {
		return Neutral, false
	}
	var active, reachable, fresh float64
	for _, r := range resources {
		if r.Active {
			active++
		}
		if r.Reachable {
			reachable++
		}
		if !r.LastSeen.IsZero() && now.Sub(r.LastSeen) <= freshness {
			fresh++
		}
	}
	n := float64(len(resources))
	return clamp(0.4*active/n + 0.4*reachable/n + 0.2*fresh/n), true
}

// recencyBonus is 0.2*e^(-hours/24) since the last success, or 0 without one.
func recencyBonus(last time.Time, ok bool, now time.Time) float64 {
	if !ok {
		return 0
	}
	hours := max(0, now.Sub(last).Hours())
	return 0.2 * math.Exp(-hours/24)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
