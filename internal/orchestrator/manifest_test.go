package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/pkg/models"
)

const releaseManifest = `
items:
  - key: deploy
    description: Roll out the release
    action: deploy
    agent: ops
    depends_on: [schema, build]
    context:
      environment: production
      urgency: high
  - key: schema
    description: Apply schema migration
    action: migrate
  - key: build
    description: Build artifacts
    action: build
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(releaseManifest))
	require.NoError(t, err)
	require.Len(t, m.Items, 3)
	assert.Equal(t, "deploy", m.Items[0].Key)
	assert.Equal(t, []string{"schema", "build"}, m.Items[0].DependsOn)
	assert.Equal(t, models.UrgencyHigh, m.Items[0].Context.Urgency)
	assert.Equal(t, "production", m.Items[0].Context.Environment)

	_, err = ParseManifest(strings.NewReader("items:\n  - key: a\n    descripton: typo\n"))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	empty, err := ParseManifest(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
}

func TestImport_DependenciesFirst(t *testing.T) {
	f := newFixture(t, alwaysDirect)
	ctx := context.Background()
	m, err := ParseManifest(strings.NewReader(releaseManifest))
	require.NoError(t, err)

	ids, err := f.d.Import(ctx, m)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	deploy := f.graph.Get(ids["deploy"])
	require.NotNil(t, deploy)
	assert.ElementsMatch(t, []string{ids["schema"], ids["build"]}, deploy.DependsOn)
	assert.Equal(t, models.WorkItemStatusPending, deploy.Status)

	order, err := f.graph.ExecutionOrder([]string{ids["deploy"], ids["schema"], ids["build"]})
	require.NoError(t, err)
	assert.Equal(t, ids["deploy"], order[len(order)-1])

	stored, err := f.db.QueryWorkItems(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestImport_ExistingIDs(t *testing.T) {
	f := newFixture(t, alwaysDirect)
	base := f.submit(t, "existing").ID

	ids, err := f.d.Import(context.Background(), &Manifest{Items: []ManifestItem{
		{Key: "next", SubmitRequest: SubmitRequest{Description: "after existing", DependsOn: []string{base}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{base}, f.graph.Get(ids["next"]).DependsOn)
}

func TestImport_RejectsBeforeSubmitting(t *testing.T) {
	tests := []struct {
		name  string
		items []ManifestItem
		is    error
	}{
		{
			name:  "missing key",
			items: []ManifestItem{{SubmitRequest: SubmitRequest{Description: "x"}}},
		},
		{
			name: "duplicate key",
			items: []ManifestItem{
				{Key: "a", SubmitRequest: SubmitRequest{Description: "x"}},
				{Key: "a", SubmitRequest: SubmitRequest{Description: "y"}},
			},
		},
		{
			name:  "empty description",
			items: []ManifestItem{{Key: "a"}},
			is:    ErrEmptyDescription,
		},
		{
			name:  "unknown reference",
			items: []ManifestItem{{Key: "a", SubmitRequest: SubmitRequest{Description: "x", DependsOn: []string{"ghost"}}}},
			is:    graph.ErrNotFound,
		},
		{
			name: "cycle",
			items: []ManifestItem{
				{Key: "a", SubmitRequest: SubmitRequest{Description: "x", DependsOn: []string{"b"}}},
				{Key: "b", SubmitRequest: SubmitRequest{Description: "y", DependsOn: []string{"a"}}},
			},
			is: graph.ErrCycle,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, alwaysDirect)
			_, err := f.d.Import(context.Background(), &Manifest{Items: tc.items})
			require.ErrorIs(t, err, ErrInvalidManifest)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
			assert.Zero(t, f.graph.Size())
		})
	}
}

func TestLoad_KeepsRunningItems(t *testing.T) {
	f := newFixture(t, alwaysDirect)
	ctx := context.Background()
	id := f.submit(t, "in flight").ID
	item := f.graph.Get(id)
	item.Status = models.WorkItemStatusRunning
	require.NoError(t, f.db.SaveWorkItem(ctx, item))

	other := newFixture(t, alwaysDirect)
	d, err := New(RequiredConfig{
		Graph: other.graph, Scorer: other.scorer, Gate: other.gate,
		Breakers: other.breakers, Store: f.db, Executor: other.exec,
	})
	require.NoError(t, err)

	n, err := d.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.WorkItemStatusRunning, d.Graph().Get(id).Status)
}
