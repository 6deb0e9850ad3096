package encoder

import (
	"math"
	"sort"
)

// TemporalAlignmentEngine synchronizes modality timelines by picking the
// densest trace as baseline and shifting other traces onto it.
type TemporalAlignmentEngine struct {
	toleranceMS float64
}

// NewTemporalAlignmentEngine builds an aligner. Non-positive tolerances fall
// back to 120 ms.
func NewTemporalAlignmentEngine(toleranceMS float64) *TemporalAlignmentEngine {
	if toleranceMS <= 0 {
		toleranceMS = 120.0
	}
	return &TemporalAlignmentEngine{toleranceMS: toleranceMS}
}

// Align shifts each trace by the offset that best matches the baseline.
func (e *TemporalAlignmentEngine) Align(traces map[string][]TimedValue) map[string][]TimedValue {
	if len(traces) == 0 {
		return map[string][]TimedValue{}
	}
	baseline := e.baseline(traces)
	aligned := make(map[string][]TimedValue, len(traces))
	for name, points := range traces {
		offset := e.estimateOffset(points, baseline)
		shifted := make([]TimedValue, len(points))
		for i, point := range points {
			shifted[i] = TimedValue{Timestamp: point.Timestamp + offset, Value: point.Value}
		}
		aligned[name] = shifted
	}
	return aligned
}

// baseline picks the densest trace; ties break on the key so the choice is
// deterministic.
func (e *TemporalAlignmentEngine) baseline(traces map[string][]TimedValue) []TimedValue {
	names := make([]string, 0, len(traces))
	for name := range traces {
		names = append(names, name)
	}
	sort.Strings(names)
	best := names[0]
	for _, name := range names[1:] {
		if len(traces[name]) > len(traces[best]) {
			best = name
		}
	}
	return traces[best]
}

func (e *TemporalAlignmentEngine) estimateOffset(points, baseline []TimedValue) float64 {
	if len(points) == 0 || len(baseline) == 0 {
		return 0
	}
	bestOffset := 0.0
	bestScore := math.Inf(1)
	for candidate := -3; candidate <= 3; candidate++ {
		offset := float64(candidate) * e.toleranceMS / 2.0
		score := alignmentScore(points, baseline, offset)
		if score < bestScore {
			bestScore = score
			bestOffset = offset
		}
	}
	return bestOffset
}

func alignmentScore(points, baseline []TimedValue, offset float64) float64 {
	n := len(points)
	if len(baseline) < n {
		n = len(baseline)
	}
	var score float64
	for i := 0; i < n; i++ {
		score += math.Abs(points[i].Timestamp+offset-baseline[i].Timestamp) +
			math.Abs(points[i].Value-baseline[i].Value)
	}
	return score
}
