package encoder

import "math"

// ContinualLearner maintains model weights across tasks with elastic
// consolidation: important weights resist new gradients.
type ContinualLearner struct {
	consolidation float64
	weights       map[string]float64
	importance    map[string]float64
	taskHistory   []string
}

// NewContinualLearner builds a learner. Consolidation outside [0,1] falls
// back to 0.6.
func NewContinualLearner(consolidation float64) *ContinualLearner {
	if consolidation < 0 || consolidation > 1 {
		consolidation = 0.6
	}
	return &ContinualLearner{
		consolidation: consolidation,
		weights:       make(map[string]float64),
		importance:    make(map[string]float64),
	}
}

// Train applies one gradient step for a task and returns the updated
// weights it touched.
func (l *ContinualLearner) Train(taskID string, gradients map[string]float64) map[string]float64 {
	updated := make(map[string]float64, len(gradients))
	for name, gradient := range gradients {
		previous := l.weights[name]
		importance := l.importance[name]
		correction := l.consolidation * importance * (previous - gradient)
		value := previous*(1-l.consolidation) + gradient - correction
		l.weights[name] = value
		l.importance[name] = math.Min(1.0, importance+math.Abs(gradient))
		updated[name] = value
	}
	known := false
	for _, task := range l.taskHistory {
		if task == taskID {
			known = true
			break
		}
	}
	if !known {
		l.taskHistory = append(l.taskHistory, taskID)
	}
	return updated
}

// Weights returns a copy of the current weights.
func (l *ContinualLearner) Weights() map[string]float64 {
	out := make(map[string]float64, len(l.weights))
	for k, v := range l.weights {
		out[k] = v
	}
	return out
}

// SetWeights replaces the learner's weights, used when restoring persisted
// state.
func (l *ContinualLearner) SetWeights(weights map[string]float64) {
	l.weights = make(map[string]float64, len(weights))
	for k, v := range weights {
		l.weights[k] = v
	}
}

// Snapshot exports weights, importance and task history.
func (l *ContinualLearner) Snapshot() map[string]any {
	importance := make(map[string]float64, len(l.importance))
	for k, v := range l.importance {
		importance[k] = v
	}
	return map[string]any{
		"weights":    l.Weights(),
		"importance": importance,
		"tasks":      append([]string(nil), l.taskHistory...),
	}
}
