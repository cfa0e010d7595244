package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/pkg/models"
)

// ErrUnknownAgent is returned for agents without a configured profile.
var ErrUnknownAgent = errors.New("no profile for agent")

// BreakerResources reports each collaborator breaker as a scoring resource.
// A closed breaker is active, anything but open is reachable, and the last
// successful call is when the collaborator was last seen.
type BreakerResources struct {
	Breakers *breaker.Supervisor
}

// Resources implements confidence.ResourceProvider.
func (r BreakerResources) Resources(context.Context) ([]confidence.Resource, error) {
	snaps := r.Breakers.Snapshot()
	out := make([]confidence.Resource, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, confidence.Resource{
			Name:      s.Key,
			Active:    s.State == breaker.Closed,
			Reachable: s.State != breaker.Open,
			LastSeen:  s.LastSuccessAt,
		})
	}
	return out, nil
}

// Profiles serves agent profiles from configuration.
type Profiles map[string]models.AgentProfile

// NewProfiles indexes profiles by ID. Later entries win.
func NewProfiles(list []models.AgentProfile) Profiles {
	p := make(Profiles, len(list))
	for _, prof := range list {
		p[prof.ID] = prof
	}
	return p
}

// Profile implements confidence.ProfileProvider.
func (p Profiles) Profile(_ context.Context, agent string) (*models.AgentProfile, error) {
	prof, ok := p[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	return &prof, nil
}

var (
	_ confidence.ResourceProvider = BreakerResources{}
	_ confidence.ProfileProvider  = Profiles(nil)
)
