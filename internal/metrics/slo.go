// Package metrics tracks per-stage latency SLOs over bounded sliding
// windows and exports observations to Prometheus.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultWindow bounds the number of retained samples per stage.
	DefaultWindow = 200
	// DefaultThresholdMS is the fallback p95 budget for stages without an
	// explicit threshold.
	DefaultThresholdMS = 750.0
)

// Snapshot summarizes one stage's latency window in milliseconds.
type Snapshot struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Breach marks a stage whose p95 exceeded its threshold.
type Breach struct {
	Stage     string  `json:"stage"`
	P95       float64 `json:"p95"`
	Threshold float64 `json:"threshold"`
}

// Report is the thresholded view over all stages.
type Report struct {
	Stages     map[string]Snapshot `json:"stages"`
	Thresholds map[string]float64  `json:"thresholds"`
	Breaches   []Breach            `json:"breaches"`
}

type window struct {
	limit   int
	samples []float64
}

func (w *window) observe(value float64) {
	w.samples = append(w.samples, value)
	if len(w.samples) > w.limit {
		w.samples = w.samples[len(w.samples)-w.limit:]
	}
}

func (w *window) snapshot() Snapshot {
	if len(w.samples) == 0 {
		return Snapshot{}
	}
	ordered := append([]float64(nil), w.samples...)
	sort.Float64s(ordered)
	return Snapshot{
		Count: len(ordered),
		P50:   median(ordered),
		P95:   quantile(ordered, 0.95),
		P99:   quantile(ordered, 0.99),
	}
}

// Tracker aggregates latency samples for runtime pipeline stages.
type Tracker struct {
	mu         sync.Mutex
	windowSize int
	stages     map[string]*window
	thresholds map[string]float64
	histogram  *prometheus.HistogramVec
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithWindow overrides the per-stage sample window.
func WithWindow(size int) TrackerOption {
	return func(t *Tracker) {
		if size > 0 {
			t.windowSize = size
		}
	}
}

// WithThresholds sets per-stage p95 budgets in milliseconds.
func WithThresholds(thresholds map[string]float64) TrackerOption {
	return func(t *Tracker) {
		for stage, threshold := range thresholds {
			t.thresholds[stage] = threshold
		}
	}
}

// WithRegisterer publishes stage latencies as a Prometheus histogram.
func WithRegisterer(registerer prometheus.Registerer) TrackerOption {
	return func(t *Tracker) {
		if registerer == nil {
			return
		}
		t.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kolibri",
			Subsystem: "runtime",
			Name:      "stage_latency_ms",
			Help:      "Latency of runtime pipeline stages in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"stage"})
		registerer.MustRegister(t.histogram)
	}
}

// NewTracker builds a tracker with 200-sample windows.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		windowSize: DefaultWindow,
		stages:     make(map[string]*window),
		thresholds: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records one latency sample in milliseconds.
func (t *Tracker) Observe(stage string, ms float64) {
	t.mu.Lock()
	w, ok := t.stages[stage]
	if !ok {
		w = &window{limit: t.windowSize}
		t.stages[stage] = w
	}
	w.observe(ms)
	histogram := t.histogram
	t.mu.Unlock()
	if histogram != nil {
		histogram.WithLabelValues(stage).Observe(ms)
	}
}

// TimeStage runs fn and records its wall time under the stage name.
func (t *Tracker) TimeStage(stage string, fn func()) {
	start := time.Now()
	fn()
	t.Observe(stage, float64(time.Since(start))/float64(time.Millisecond))
}

// Report returns per-stage percentile snapshots.
func (t *Tracker) Report() map[string]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := make(map[string]Snapshot, len(t.stages))
	for stage, w := range t.stages {
		report[stage] = w.snapshot()
	}
	return report
}

// BuildReport augments the snapshots with thresholds and the breach list.
// Stages without a configured threshold use the default budget.
func (t *Tracker) BuildReport() Report {
	snapshots := t.Report()
	t.mu.Lock()
	thresholds := make(map[string]float64, len(t.thresholds))
	for stage, threshold := range t.thresholds {
		thresholds[stage] = threshold
	}
	t.mu.Unlock()

	report := Report{Stages: snapshots, Thresholds: thresholds}
	stages := make([]string, 0, len(snapshots))
	for stage := range snapshots {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		threshold, ok := thresholds[stage]
		if !ok {
			threshold = DefaultThresholdMS
		}
		if snapshot := snapshots[stage]; snapshot.P95 > threshold {
			report.Breaches = append(report.Breaches, Breach{
				Stage:     stage,
				P95:       snapshot.P95,
				Threshold: threshold,
			})
		}
	}
	return report
}

// median of a sorted slice, averaging the middle pair for even counts.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// quantile interpolates linearly between the bracketing samples.
func quantile(sorted []float64, percentile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if percentile <= 0 {
		return sorted[0]
	}
	if percentile >= 1 {
		return sorted[len(sorted)-1]
	}
	position := percentile * float64(len(sorted)-1)
	lower := int(position)
	upper := lower + 1
	if upper > len(sorted)-1 {
		upper = len(sorted) - 1
	}
	weight := position - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
