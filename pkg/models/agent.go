package models

import "slices"

// AgentProfile describes what an agent is good at.
type AgentProfile struct {
	// ID is the agent name used for routing and history.
	ID string `json:"id" yaml:"id" mapstructure:"id"`
	// Specialties are the domains the agent is built for.
	Specialties []string `json:"specialties,omitempty" yaml:"specialties,omitempty" mapstructure:"specialties"`
	// Generalist agents can take work outside their specialties.
	Generalist bool `json:"generalist,omitempty" yaml:"generalist,omitempty" mapstructure:"generalist"`
	// ExpertiseTags are skills the agent has demonstrated before.
	ExpertiseTags []string `json:"expertise_tags,omitempty" yaml:"expertise_tags,omitempty" mapstructure:"expertise_tags"`
}

// HasSpecialty returns true if domain is one of the agent's specialties.
func (p *AgentProfile) HasSpecialty(domain string) bool {
	return slices.Contains(p.Specialties, domain)
}

// SharedTags counts how many of tags the agent already carries.
func (p *AgentProfile) SharedTags(tags []string) int {
	n := 0
	for _, t := range tags {
		if slices.Contains(p.ExpertiseTags, t) {
			n++
		}
	}
	return n
}
