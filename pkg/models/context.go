package models

import "slices"

// Urgency describes how time sensitive an action is.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid returns true if the urgency is a known value. Empty is treated as normal.
func (u Urgency) Valid() bool {
	switch u {
	case "", UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	default:
		return false
	}
}

// Complexity is the caller's declared complexity of an action.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityVeryHigh Complexity = "very_high"
)

// Valid returns true if the complexity is a known value. Empty means undeclared.
func (c Complexity) Valid() bool {
	switch c {
	case "", ComplexityLow, ComplexityMedium, ComplexityHigh, ComplexityVeryHigh:
		return true
	default:
		return false
	}
}

// RiskTolerance expresses how much risk the requester accepts.
type RiskTolerance string

const (
	RiskToleranceLow    RiskTolerance = "low"
	RiskToleranceMedium RiskTolerance = "medium"
	RiskToleranceHigh   RiskTolerance = "high"
)

// EnvironmentProduction is the environment name that earns the production adjustment.
const EnvironmentProduction = "production"

// ActionContext enumerates every recognized contextual flag for an action.
// Unknown flags are not representable; zero values mean "not declared".
type ActionContext struct {
	// Urgency of the action.
	Urgency Urgency `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	// Complexity declared by the requester.
	Complexity Complexity `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	// RiskTolerance of the requester.
	RiskTolerance RiskTolerance `json:"risk_tolerance,omitempty" yaml:"risk_tolerance,omitempty"`
	// Environment the action targets, e.g. "production".
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`
	// Domain is the specialty the action requires. Empty means generic.
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
	// ExpertiseTags are explicit skills the action calls for.
	ExpertiseTags []string `json:"expertise_tags,omitempty" yaml:"expertise_tags,omitempty"`
	// DeclaredDependencies is the number of dependencies the requester declared.
	DeclaredDependencies int `json:"declared_dependencies,omitempty" yaml:"declared_dependencies,omitempty"`
	// TimePressure marks actions with a hard deadline.
	TimePressure bool `json:"time_pressure,omitempty" yaml:"time_pressure,omitempty"`
}

// Clone returns a copy that does not share the tag slice.
func (c ActionContext) Clone() ActionContext {
	c.ExpertiseTags = slices.Clone(c.ExpertiseTags)
	return c
}

// Valid returns true if every enumerated field holds a known value.
func (c ActionContext) Valid() bool {
	return c.Urgency.Valid() && c.Complexity.Valid() && c.DeclaredDependencies >= 0
}
