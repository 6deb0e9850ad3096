// Package learning runs background self-improvement: weak supervision
// signals are aggregated per task, folded into a continual learner with
// elastic consolidation, and tracked for drift.
package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"kolibri/internal/encoder"
	"kolibri/internal/journal"
	"kolibri/internal/personalization"
)

const (
	defaultMinWeight      = 0.05
	defaultClipping       = 1.0
	defaultHistorySize    = 32
	defaultSampleLimit    = 256
	defaultDriftAlpha     = 0.2
	defaultDriftThreshold = 0.6
)

// Sample is a single training signal captured for background learning.
type Sample struct {
	TaskID     string             `json:"task_id"`
	Gradients  map[string]float64 `json:"gradients"`
	Confidence float64            `json:"confidence"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	UserID     string             `json:"user_id"`
	Timestamp  time.Time          `json:"timestamp"`
}

// StepReport summarizes one aggregation step.
type StepReport struct {
	Timestamp time.Time                     `json:"timestamp"`
	Updates   map[string]map[string]float64 `json:"updates"`
	Pending   map[string]int                `json:"pending"`
	Drift     map[string]float64            `json:"drift"`
	Samples   int                           `json:"samples"`
}

// Option configures a SelfLearner.
type Option func(*SelfLearner)

// WithNoiseScale enables deterministic DP noise on aggregation.
func WithNoiseScale(scale float64) Option {
	return func(l *SelfLearner) {
		if scale >= 0 {
			l.noiseScale = scale
		}
	}
}

// WithClipping bounds each submitted gradient value.
func WithClipping(clipping float64) Option {
	return func(l *SelfLearner) {
		if clipping > 0 {
			l.clipping = clipping
		}
	}
}

// WithDrift overrides the drift EMA smoothing and degradation threshold.
func WithDrift(alpha, threshold float64) Option {
	return func(l *SelfLearner) {
		if alpha > 0 && alpha <= 1 {
			l.driftAlpha = alpha
		}
		if threshold >= 0 && threshold <= 1 {
			l.driftThreshold = threshold
		}
	}
}

// WithJournal binds an action journal for step reports.
func WithJournal(j *journal.Journal) Option {
	return func(l *SelfLearner) { l.journal = j }
}

// WithLearner injects the continual learner to train.
func WithLearner(learner *encoder.ContinualLearner) Option {
	return func(l *SelfLearner) {
		if learner != nil {
			l.learner = learner
		}
	}
}

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *SelfLearner) {
		if now != nil {
			l.now = now
		}
	}
}

// SelfLearner aggregates weak supervision and updates a continual learner.
// Enqueue and Step serialize on a single mutex.
type SelfLearner struct {
	mu             sync.Mutex
	learner        *encoder.ContinualLearner
	noiseScale     float64
	clipping       float64
	minWeight      float64
	aggregators    map[string]*personalization.SecureAggregator
	pendingCounts  map[string]int
	history        []StepReport
	samples        []Sample
	driftAlpha     float64
	driftThreshold float64
	drift          map[string]float64
	journal        *journal.Journal
	now            func() time.Time
}

// New builds a self-learner with drift smoothing 0.2 and threshold 0.6.
func New(opts ...Option) *SelfLearner {
	l := &SelfLearner{
		learner:        encoder.NewContinualLearner(-1),
		clipping:       defaultClipping,
		minWeight:      defaultMinWeight,
		aggregators:    make(map[string]*personalization.SecureAggregator),
		pendingCounts:  make(map[string]int),
		driftAlpha:     defaultDriftAlpha,
		driftThreshold: defaultDriftThreshold,
		drift:          make(map[string]float64),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue stores a training signal. Gradients are weighted inversely to
// confidence so uncertain outcomes teach more, floored at the minimum
// weight.
func (l *SelfLearner) Enqueue(taskID string, gradients map[string]float64, confidence float64, metadata map[string]string, userID string) {
	if len(gradients) == 0 {
		return
	}
	if userID == "" {
		userID = "anonymous"
	}
	weight := 1.0 - clamp01(confidence)
	if weight < l.minWeight {
		weight = l.minWeight
	}
	scaled := make(map[string]float64, len(gradients))
	kept := make(map[string]float64, len(gradients))
	for name, value := range gradients {
		scaled[name] = value * weight
		kept[name] = value
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	aggregator, ok := l.aggregators[taskID]
	if !ok {
		aggregator = personalization.NewSecureAggregator(l.noiseScale)
		l.aggregators[taskID] = aggregator
	}
	aggregator.Submit(personalization.ModelUpdate{UserID: userID, Values: scaled, Clipping: l.clipping})

	sample := Sample{
		TaskID:     taskID,
		Gradients:  kept,
		Confidence: clamp01(confidence),
		UserID:     userID,
		Timestamp:  l.now(),
	}
	if len(metadata) > 0 {
		sample.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			sample.Metadata[k] = v
		}
	}
	l.samples = append(l.samples, sample)
	if len(l.samples) > defaultSampleLimit {
		l.samples = l.samples[len(l.samples)-defaultSampleLimit:]
	}
	l.pendingCounts[taskID]++
	l.updateDrift(taskID, sample.Metadata["status"])
}

// Step aggregates pending updates per task, trains the learner and returns
// the refreshed weights keyed by task.
func (l *SelfLearner) Step() map[string]map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	updates := make(map[string]map[string]float64)
	for _, taskID := range sortedTaskIDs(l.aggregators) {
		if l.pendingCounts[taskID] <= 0 {
			continue
		}
		aggregated := l.aggregators[taskID].Aggregate()
		l.pendingCounts[taskID] = 0
		if len(aggregated) == 0 {
			continue
		}
		updates[taskID] = l.learner.Train(taskID, aggregated)
	}

	report := StepReport{
		Timestamp: l.now(),
		Updates:   updates,
		Pending:   copyCounts(l.pendingCounts),
		Drift:     copyScores(l.drift),
		Samples:   len(l.samples),
	}
	l.history = append(l.history, report)
	if len(l.history) > defaultHistorySize {
		l.history = l.history[len(l.history)-defaultHistorySize:]
	}
	l.publishReport(report)
	return updates
}

// History returns up to limit most recent step reports, oldest first.
func (l *SelfLearner) History(limit int) []StepReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || len(l.history) == 0 {
		return nil
	}
	if limit > len(l.history) {
		limit = len(l.history)
	}
	return append([]StepReport(nil), l.history[len(l.history)-limit:]...)
}

// RecentSamples returns up to limit most recent samples, oldest first.
func (l *SelfLearner) RecentSamples(limit int) []Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || len(l.samples) == 0 {
		return nil
	}
	if limit > len(l.samples) {
		limit = len(l.samples)
	}
	return append([]Sample(nil), l.samples[len(l.samples)-limit:]...)
}

// DriftScores returns the per-task drift EMA.
func (l *SelfLearner) DriftScores() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyScores(l.drift)
}

// DegradedTasks returns tasks whose drift reached the threshold.
func (l *SelfLearner) DegradedTasks() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	degraded := make(map[string]float64)
	for task, score := range l.drift {
		if score >= l.driftThreshold {
			degraded[task] = score
		}
	}
	return degraded
}

// Weights exposes the learner's current weight vector.
func (l *SelfLearner) Weights() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.learner.Weights()
}

type persistedState struct {
	Clipping       float64                       `json:"clipping"`
	MinWeight      float64                       `json:"min_weight"`
	NoiseScale     float64                       `json:"noise_scale"`
	DriftAlpha     float64                       `json:"drift_alpha"`
	DriftThreshold float64                       `json:"drift_threshold"`
	Sums           map[string]map[string]float64 `json:"sums"`
	Counts         map[string]map[string]int     `json:"counts"`
	Pending        map[string]int                `json:"pending"`
	Drift          map[string]float64            `json:"drift"`
	Weights        map[string]float64            `json:"weights"`
	History        []StepReport                  `json:"history"`
	Samples        []Sample                      `json:"samples"`
}

// Save writes the full learner state as JSON.
func (l *SelfLearner) Save(path string) error {
	l.mu.Lock()
	state := persistedState{
		Clipping:       l.clipping,
		MinWeight:      l.minWeight,
		NoiseScale:     l.noiseScale,
		DriftAlpha:     l.driftAlpha,
		DriftThreshold: l.driftThreshold,
		Sums:           make(map[string]map[string]float64, len(l.aggregators)),
		Counts:         make(map[string]map[string]int, len(l.aggregators)),
		Pending:        copyCounts(l.pendingCounts),
		Drift:          copyScores(l.drift),
		Weights:        l.learner.Weights(),
		History:        append([]StepReport(nil), l.history...),
		Samples:        append([]Sample(nil), l.samples...),
	}
	for taskID, aggregator := range l.aggregators {
		sums, counts := aggregator.Snapshot()
		state.Sums[taskID] = sums
		state.Counts[taskID] = counts
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode learner state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write learner state: %w", err)
	}
	return nil
}

// Load replaces the learner state from a JSON file written by Save.
func (l *SelfLearner) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read learner state: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode learner state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if state.Clipping > 0 {
		l.clipping = state.Clipping
	}
	if state.MinWeight > 0 {
		l.minWeight = state.MinWeight
	}
	if state.NoiseScale >= 0 {
		l.noiseScale = state.NoiseScale
	}
	if state.DriftAlpha > 0 && state.DriftAlpha <= 1 {
		l.driftAlpha = state.DriftAlpha
	}
	if state.DriftThreshold >= 0 && state.DriftThreshold <= 1 {
		l.driftThreshold = state.DriftThreshold
	}
	l.aggregators = make(map[string]*personalization.SecureAggregator, len(state.Sums))
	for taskID, sums := range state.Sums {
		aggregator := personalization.NewSecureAggregator(l.noiseScale)
		aggregator.Restore(sums, state.Counts[taskID])
		l.aggregators[taskID] = aggregator
	}
	l.pendingCounts = state.Pending
	if l.pendingCounts == nil {
		l.pendingCounts = make(map[string]int)
	}
	l.drift = state.Drift
	if l.drift == nil {
		l.drift = make(map[string]float64)
	}
	l.learner.SetWeights(state.Weights)
	l.history = state.History
	l.samples = state.Samples
	return nil
}

func (l *SelfLearner) updateDrift(taskID, status string) {
	signal := errorSignal(status)
	previous, seen := l.drift[taskID]
	if !seen {
		l.drift[taskID] = clamp01(signal)
		return
	}
	l.drift[taskID] = clamp01(previous + l.driftAlpha*(signal-previous))
}

// errorSignal maps an execution status onto a drift contribution.
func errorSignal(status string) float64 {
	switch status {
	case "ok", "cached", "success":
		return 0.0
	case "skipped", "noop":
		return 0.1
	default:
		return 1.0
	}
}

func (l *SelfLearner) publishReport(report StepReport) {
	if l.journal == nil {
		return
	}
	tasks := make([]string, 0, len(report.Updates))
	for task := range report.Updates {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	l.journal.Append("self_learning_report", map[string]any{
		"timestamp": report.Timestamp.UTC().Format(time.RFC3339Nano),
		"drift":     report.Drift,
		"pending":   report.Pending,
		"tasks":     tasks,
		"samples":   report.Samples,
	})
}

func sortedTaskIDs(aggregators map[string]*personalization.SecureAggregator) []string {
	ids := make([]string, 0, len(aggregators))
	for id := range aggregators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func copyCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func copyScores(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for k, v := range scores {
		out[k] = v
	}
	return out
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
