package runtime

import "encoding/json"

// ReasoningStep is one explainable step in a request's reasoning trace.
type ReasoningStep struct {
	Name       string   `json:"name"`
	Message    string   `json:"message"`
	References []string `json:"references"`
	Confidence float64  `json:"confidence"`
}

// ReasoningLog collects the steps taken while serving a request so the
// response can be explained afterwards.
type ReasoningLog struct {
	steps []ReasoningStep
}

// NewReasoningLog returns an empty log.
func NewReasoningLog() *ReasoningLog {
	return &ReasoningLog{}
}

// AddStep appends a step to the trace.
func (l *ReasoningLog) AddStep(name, message string, references []string, confidence float64) {
	l.steps = append(l.steps, ReasoningStep{
		Name:       name,
		Message:    message,
		References: append([]string(nil), references...),
		Confidence: confidence,
	})
}

// Steps returns a copy of the recorded steps.
func (l *ReasoningLog) Steps() []ReasoningStep {
	return append([]ReasoningStep(nil), l.steps...)
}

// Len reports the number of recorded steps.
func (l *ReasoningLog) Len() int {
	return len(l.steps)
}

// Clear drops all recorded steps.
func (l *ReasoningLog) Clear() {
	l.steps = nil
}

// MarshalJSON renders the log as {"steps": [...]}.
func (l *ReasoningLog) MarshalJSON() ([]byte, error) {
	steps := l.steps
	if steps == nil {
		steps = []ReasoningStep{}
	}
	return json.Marshal(map[string]any{"steps": steps})
}
