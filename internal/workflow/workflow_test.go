package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCreateAndProgress(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(fixedClock(now))

	wf := m.Create("ship the report", []StepSpec{
		{Description: "draft"},
		{Description: "review", Tool: "writer"},
	}, nil, nil, map[string]string{"owner": "ana"})

	assert.Equal(t, "wf-0001", wf.ID)
	assert.Equal(t, 0.0, wf.Progress())
	require.NoError(t, m.MarkStepCompleted(wf.ID, 0))

	updated, ok := m.Get(wf.ID)
	require.True(t, ok)
	assert.Equal(t, 0.5, updated.Progress())
	require.NotNil(t, updated.Steps[0].CompletedAt)
	assert.Equal(t, now, *updated.Steps[0].CompletedAt)
	assert.Len(t, updated.PendingSteps(), 1)
}

func TestMarkStepErrors(t *testing.T) {
	m := NewManager(nil)
	wf := m.Create("goal", []StepSpec{{Description: "only"}}, nil, nil, nil)

	assert.Error(t, m.MarkStepCompleted("wf-9999", 0))
	assert.Error(t, m.MarkStepCompleted(wf.ID, 2))
	assert.Error(t, m.MarkStepCompleted(wf.ID, -1))
}

func TestEmitRemindersSorted(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(fixedClock(now))

	deadlineA := now.Add(1 * time.Hour)
	deadlineB := now.Add(30 * time.Minute)
	m.Create("a", nil, &deadlineA, []ReminderRule{
		{Offset: 2 * time.Hour, Message: "early"},
		{Offset: 5 * time.Minute, Message: "not yet"},
	}, nil)
	m.Create("b", nil, &deadlineB, []ReminderRule{
		{Offset: time.Hour, Message: "b first"},
	}, nil)

	events := m.EmitReminders(now)
	require.Len(t, events, 2)
	// deadlineB - 1h precedes deadlineA - 2h is false: 8:30 vs 8:00.
	assert.Equal(t, "wf-0001", events[0].WorkflowID)
	assert.Equal(t, "early", events[0].Message)
	assert.Equal(t, "wf-0002", events[1].WorkflowID)
}

func TestEmitRemindersTieBreakByWorkflow(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(fixedClock(now))

	deadline := now
	m.Create("x", nil, &deadline, []ReminderRule{{Offset: 0, Message: "x"}}, nil)
	m.Create("y", nil, &deadline, []ReminderRule{{Offset: 0, Message: "y"}}, nil)

	events := m.EmitReminders(now)
	require.Len(t, events, 2)
	assert.Equal(t, "wf-0001", events[0].WorkflowID)
	assert.Equal(t, "wf-0002", events[1].WorkflowID)
}

func TestOverdueWorkflows(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(fixedClock(now))

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	late := m.Create("late", nil, &past, nil, nil)
	m.Create("on track", nil, &future, nil, nil)
	m.Create("no deadline", nil, nil, nil, nil)

	overdue := m.Overdue(now)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
}
