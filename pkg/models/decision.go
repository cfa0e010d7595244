package models

import "time"

// ExecutionMode is how a dispatched action is allowed to run.
type ExecutionMode string

const (
	// ModeDirect runs the action autonomously.
	ModeDirect ExecutionMode = "direct"
	// ModeAssisted runs the action under supervision.
	ModeAssisted ExecutionMode = "assisted"
	// ModeConfirm requires explicit human approval first.
	ModeConfirm ExecutionMode = "confirm"
)

// Valid returns true if the mode is a known value.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeDirect, ModeAssisted, ModeConfirm:
		return true
	default:
		return false
	}
}

// ConfidenceComponents holds the per-signal scores, each in [0,1].
type ConfidenceComponents struct {
	HistoricalSuccess float64 `json:"historical_success"`
	ExpertiseMatch    float64 `json:"expertise_match"`
	TaskComplexity    float64 `json:"task_complexity"`
	SystemHealth      float64 `json:"system_health"`
	RecencyBonus      float64 `json:"recency_bonus"`
}

// ExecutionDecision is produced once per action and never mutated afterwards.
type ExecutionDecision struct {
	// ItemID is the work item the decision was made for.
	ItemID string `json:"item_id"`
	// Agent and Action identify the scored action.
	Agent  string `json:"agent"`
	Action string `json:"action"`
	// Mode is the chosen execution mode.
	Mode ExecutionMode `json:"mode"`
	// Confidence is the final clamped score.
	Confidence float64 `json:"confidence"`
	// Components are the raw signals behind Confidence.
	Components ConfidenceComponents `json:"components"`
	// OverridesApplied names every adjustment and gate rule that fired.
	OverridesApplied []string `json:"overrides_applied,omitempty"`
	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}
