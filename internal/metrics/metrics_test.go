package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/pkg/models"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSweep(time.Millisecond, 3, nil)
	m.DecisionMade(models.ModeDirect, 0.9)
	m.BreakerCall("x", "success")
	m.SetSystemState("healthy", []string{"healthy"})
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.DecisionMade(models.ModeConfirm, 0.1)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Decisions.WithLabelValues("confirm")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Decisions.WithLabelValues("confirm")))
}

func TestObserveSweep_SetsStatusGauges(t *testing.T) {
	m := New()
	m.ObserveSweep(time.Millisecond, 2, map[models.WorkItemStatus]int{
		models.WorkItemStatusReady: 2,
		models.WorkItemStatusDone:  5,
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Items.WithLabelValues("ready")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Items.WithLabelValues("done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Items.WithLabelValues("running")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsPromoted))
}

func TestSetSystemState_OneHot(t *testing.T) {
	m := New()
	all := []string{"healthy", "degraded"}
	m.SetSystemState("degraded", all)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.SystemState.WithLabelValues("healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SystemState.WithLabelValues("degraded")))
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.BreakerCall("executor", "failure")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `steward_breaker_calls_total{key="executor",outcome="failure"} 1`))
}
