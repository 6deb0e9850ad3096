// Package workflow tracks long-running tasks with deadlines and reminder
// rules evaluated against an injected clock.
package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StepState is a single step inside a workflow.
type StepState struct {
	Description string     `json:"description"`
	Tool        string     `json:"tool,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ReminderRule schedules a reminder relative to the workflow deadline.
type ReminderRule struct {
	Offset  time.Duration
	Message string
}

// Workflow is one long-running task tracked by the runtime.
type Workflow struct {
	ID        string
	Goal      string
	Steps     []StepState
	Deadline  *time.Time
	Reminders []ReminderRule
	CreatedAt time.Time
	Metadata  map[string]string
}

// Progress reports the completed fraction of steps. Empty workflows count
// as done.
func (w *Workflow) Progress() float64 {
	if len(w.Steps) == 0 {
		return 1.0
	}
	completed := 0
	for _, step := range w.Steps {
		if step.Completed {
			completed++
		}
	}
	return float64(completed) / float64(len(w.Steps))
}

// IsOverdue reports whether the deadline has passed at the given time.
func (w *Workflow) IsOverdue(at time.Time) bool {
	return w.Deadline != nil && at.After(*w.Deadline)
}

// PendingSteps returns the steps not yet completed.
func (w *Workflow) PendingSteps() []StepState {
	var pending []StepState
	for _, step := range w.Steps {
		if !step.Completed {
			pending = append(pending, step)
		}
	}
	return pending
}

// ReminderEvent is a due reminder for a workflow.
type ReminderEvent struct {
	WorkflowID   string
	Message      string
	ScheduledFor time.Time
}

// StepSpec describes one step when creating a workflow.
type StepSpec struct {
	Description string
	Tool        string
}

// Manager owns workflows, tracks progress and emits reminders.
type Manager struct {
	mu        sync.Mutex
	now       func() time.Time
	workflows map[string]*Workflow
	order     []string
	counter   int
}

// NewManager builds a manager. A nil clock defaults to UTC wall time.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		now:       now,
		workflows: make(map[string]*Workflow),
	}
}

// Create registers a workflow and returns a copy of it.
func (m *Manager) Create(goal string, steps []StepSpec, deadline *time.Time, reminders []ReminderRule, metadata map[string]string) Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	id := fmt.Sprintf("wf-%04d", m.counter)
	states := make([]StepState, len(steps))
	for i, step := range steps {
		states[i] = StepState{Description: step.Description, Tool: step.Tool}
	}
	workflow := &Workflow{
		ID:        id,
		Goal:      goal,
		Steps:     states,
		Deadline:  deadline,
		Reminders: append([]ReminderRule(nil), reminders...),
		CreatedAt: m.now(),
	}
	if len(metadata) > 0 {
		workflow.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			workflow.Metadata[k] = v
		}
	}
	m.workflows[id] = workflow
	m.order = append(m.order, id)
	return snapshotWorkflow(workflow)
}

// Get returns a copy of the workflow by id.
func (m *Manager) Get(workflowID string) (Workflow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	workflow, ok := m.workflows[workflowID]
	if !ok {
		return Workflow{}, false
	}
	return snapshotWorkflow(workflow), true
}

// List returns copies of all workflows in creation order.
func (m *Manager) List() []Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Workflow, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, snapshotWorkflow(m.workflows[id]))
	}
	return out
}

// MarkStepCompleted records completion time from the injected clock.
func (m *Manager) MarkStepCompleted(workflowID string, stepIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	workflow, ok := m.workflows[workflowID]
	if !ok {
		return fmt.Errorf("unknown workflow %q", workflowID)
	}
	if stepIndex < 0 || stepIndex >= len(workflow.Steps) {
		return fmt.Errorf("step index %d out of range for workflow %q", stepIndex, workflowID)
	}
	at := m.now()
	workflow.Steps[stepIndex].Completed = true
	workflow.Steps[stepIndex].CompletedAt = &at
	return nil
}

// EmitReminders returns every reminder whose scheduled time has arrived,
// sorted by (scheduled_for, workflow_id). A zero time means "now".
func (m *Manager) EmitReminders(at time.Time) []ReminderEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.IsZero() {
		at = m.now()
	}
	var events []ReminderEvent
	for _, id := range m.order {
		workflow := m.workflows[id]
		if workflow.Deadline == nil {
			continue
		}
		for _, rule := range workflow.Reminders {
			scheduled := workflow.Deadline.Add(-rule.Offset)
			if !scheduled.After(at) {
				events = append(events, ReminderEvent{
					WorkflowID:   workflow.ID,
					Message:      rule.Message,
					ScheduledFor: scheduled,
				})
			}
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].ScheduledFor.Equal(events[j].ScheduledFor) {
			return events[i].ScheduledFor.Before(events[j].ScheduledFor)
		}
		return events[i].WorkflowID < events[j].WorkflowID
	})
	return events
}

// Overdue returns copies of workflows past their deadline at the given
// time. A zero time means "now".
func (m *Manager) Overdue(at time.Time) []Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.IsZero() {
		at = m.now()
	}
	var overdue []Workflow
	for _, id := range m.order {
		if m.workflows[id].IsOverdue(at) {
			overdue = append(overdue, snapshotWorkflow(m.workflows[id]))
		}
	}
	return overdue
}

func snapshotWorkflow(workflow *Workflow) Workflow {
	out := *workflow
	out.Steps = append([]StepState(nil), workflow.Steps...)
	out.Reminders = append([]ReminderRule(nil), workflow.Reminders...)
	if workflow.Metadata != nil {
		out.Metadata = make(map[string]string, len(workflow.Metadata))
		for k, v := range workflow.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
