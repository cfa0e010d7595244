package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/pkg/models"
)

func TestBreakerResources(t *testing.T) {
	sup := breaker.NewSupervisor(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour, CallTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, sup.Call(ctx, "healthy", func(context.Context) error { return nil }))
	require.Error(t, sup.Call(ctx, "broken", func(context.Context) error { return errors.New("down") }))

	res, err := BreakerResources{Breakers: sup}.Resources(ctx)
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.Equal(t, "broken", res[0].Name)
	assert.False(t, res[0].Active)
	assert.False(t, res[0].Reachable)
	assert.True(t, res[0].LastSeen.IsZero())

	assert.Equal(t, "healthy", res[1].Name)
	assert.True(t, res[1].Active)
	assert.True(t, res[1].Reachable)
	assert.False(t, res[1].LastSeen.IsZero())
}

func TestProfiles(t *testing.T) {
	p := NewProfiles([]models.AgentProfile{
		{ID: "builder", Specialties: []string{"ci"}},
		{ID: "ops", Generalist: true},
	})

	got, err := p.Profile(context.Background(), "builder")
	require.NoError(t, err)
	assert.Equal(t, []string{"ci"}, got.Specialties)

	_, err = p.Profile(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestCollaboratorKey(t *testing.T) {
	assert.Equal(t, DefaultCollaborator, CollaboratorKey(&models.WorkItem{}))
	assert.Equal(t, "search", CollaboratorKey(&models.WorkItem{Agent: "search"}))
}
