package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAndReport(t *testing.T) {
	tracker := NewTracker()
	for _, ms := range []float64{10, 20, 30, 40} {
		tracker.Observe("fusion", ms)
	}

	report := tracker.Report()
	snapshot, ok := report["fusion"]
	require.True(t, ok)
	assert.Equal(t, 4, snapshot.Count)
	assert.Equal(t, 25.0, snapshot.P50)
	assert.InDelta(t, 38.5, snapshot.P95, 1e-9)
	assert.InDelta(t, 39.7, snapshot.P99, 1e-9)
}

func TestWindowBounded(t *testing.T) {
	tracker := NewTracker(WithWindow(3))
	for i := 0; i < 10; i++ {
		tracker.Observe("stage", float64(i))
	}
	snapshot := tracker.Report()["stage"]
	assert.Equal(t, 3, snapshot.Count)
	// Only the last three samples (7, 8, 9) remain.
	assert.Equal(t, 8.0, snapshot.P50)
}

func TestEmptyStageSnapshot(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe("fusion", 5)
	assert.Empty(t, tracker.Report()["missing"])
}

func TestBuildReportBreaches(t *testing.T) {
	tracker := NewTracker(WithThresholds(map[string]float64{"planning": 50}))
	tracker.Observe("planning", 100)
	tracker.Observe("fusion", 100)

	report := tracker.BuildReport()
	require.Len(t, report.Breaches, 1)
	assert.Equal(t, "planning", report.Breaches[0].Stage)
	assert.Equal(t, 50.0, report.Breaches[0].Threshold)
	// Fusion stays under the 750 ms default budget.
	assert.Equal(t, 750.0, DefaultThresholdMS)
}

func TestBuildReportDefaultThreshold(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe("slow", 1000)

	report := tracker.BuildReport()
	require.Len(t, report.Breaches, 1)
	assert.Equal(t, DefaultThresholdMS, report.Breaches[0].Threshold)
}

func TestTimeStageRecordsSample(t *testing.T) {
	tracker := NewTracker()
	tracker.TimeStage("work", func() {})
	assert.Equal(t, 1, tracker.Report()["work"].Count)
}

func TestPrometheusRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	tracker := NewTracker(WithRegisterer(registry))
	tracker.Observe("fusion", 12)

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "kolibri_runtime_stage_latency_ms", families[0].GetName())
}
