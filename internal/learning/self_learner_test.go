package learning

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kolibri/internal/journal"
)

func TestEnqueueWeightsByConfidence(t *testing.T) {
	confident := New()
	confident.Enqueue("fusion", map[string]float64{"w": 1.0}, 1.0, nil, "u1")
	uncertain := New()
	uncertain.Enqueue("fusion", map[string]float64{"w": 1.0}, 0.0, nil, "u1")

	confidentUpdates := confident.Step()
	uncertainUpdates := uncertain.Step()
	require.Contains(t, confidentUpdates, "fusion")
	require.Contains(t, uncertainUpdates, "fusion")

	// Full confidence floors the weight at 0.05, zero confidence uses 1.0.
	assert.Less(t, confidentUpdates["fusion"]["w"], uncertainUpdates["fusion"]["w"])
}

func TestEnqueueEmptyGradientsIgnored(t *testing.T) {
	l := New()
	l.Enqueue("fusion", nil, 0.5, nil, "u1")
	assert.Empty(t, l.Step())
	assert.Empty(t, l.RecentSamples(5))
}

func TestStepDrainsPending(t *testing.T) {
	l := New()
	l.Enqueue("fusion", map[string]float64{"w": 0.5}, 0.5, nil, "u1")

	first := l.Step()
	require.Contains(t, first, "fusion")
	second := l.Step()
	assert.Empty(t, second)

	history := l.History(5)
	require.Len(t, history, 2)
	assert.Equal(t, 0, history[0].Pending["fusion"])
}

func TestDriftTracksFailures(t *testing.T) {
	l := New()
	for i := 0; i < 10; i++ {
		l.Enqueue("exec", map[string]float64{"w": 0.1}, 0.5, map[string]string{"status": "error"}, "u1")
	}
	l.Enqueue("healthy", map[string]float64{"w": 0.1}, 0.5, map[string]string{"status": "ok"}, "u1")

	degraded := l.DegradedTasks()
	assert.Contains(t, degraded, "exec")
	assert.NotContains(t, degraded, "healthy")
	assert.Equal(t, 0.0, l.DriftScores()["healthy"])
}

func TestDriftRecoversWithSuccess(t *testing.T) {
	l := New()
	l.Enqueue("task", map[string]float64{"w": 0.1}, 0.5, map[string]string{"status": "error"}, "u1")
	require.Equal(t, 1.0, l.DriftScores()["task"])

	for i := 0; i < 20; i++ {
		l.Enqueue("task", map[string]float64{"w": 0.1}, 0.5, map[string]string{"status": "ok"}, "u1")
	}
	assert.Less(t, l.DriftScores()["task"], 0.6)
}

func TestStepPublishesReport(t *testing.T) {
	j := journal.New()
	l := New(WithJournal(j))
	l.Enqueue("fusion", map[string]float64{"w": 0.5}, 0.5, map[string]string{"status": "ok"}, "u1")
	l.Step()

	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "self_learning_report", entries[0].Event)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learner.json")

	l := New()
	l.Enqueue("fusion", map[string]float64{"w": 0.5}, 0.5, map[string]string{"status": "ok"}, "u1")
	l.Step()
	l.Enqueue("fusion", map[string]float64{"w": 0.25}, 0.5, map[string]string{"status": "ok"}, "u1")
	require.NoError(t, l.Save(path))

	restored := New()
	require.NoError(t, restored.Load(path))
	assert.Equal(t, l.Weights(), restored.Weights())
	assert.Equal(t, l.DriftScores(), restored.DriftScores())

	// The restored pending update survives a step.
	updates := restored.Step()
	assert.Contains(t, updates, "fusion")
}
