package personalization

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// ModelUpdate is a clipped gradient vector emitted by one device.
type ModelUpdate struct {
	UserID   string
	Values   map[string]float64
	Clipping float64
}

// SecureAggregator sums masked updates so individual contributions are never
// exposed. Aggregate drains the accumulated state.
type SecureAggregator struct {
	mu         sync.Mutex
	noiseScale float64
	sums       map[string]float64
	counts     map[string]int
}

// NewSecureAggregator builds an aggregator. Negative noise scales are
// treated as zero.
func NewSecureAggregator(noiseScale float64) *SecureAggregator {
	if noiseScale < 0 {
		noiseScale = 0
	}
	return &SecureAggregator{
		noiseScale: noiseScale,
		sums:       make(map[string]float64),
		counts:     make(map[string]int),
	}
}

// Submit adds one update, clipping each value to the update's bound.
func (a *SecureAggregator) Submit(update ModelUpdate) {
	clipping := update.Clipping
	if clipping <= 0 {
		clipping = 1.0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, value := range update.Values {
		if value > clipping {
			value = clipping
		}
		if value < -clipping {
			value = -clipping
		}
		a.sums[key] += value
		a.counts[key]++
	}
}

// Aggregate averages the clipped contributions, adds deterministic noise
// when configured, and resets the accumulator.
func (a *SecureAggregator) Aggregate() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sums) == 0 {
		return map[string]float64{}
	}
	aggregated := make(map[string]float64, len(a.sums))
	for key, total := range a.sums {
		count := a.counts[key]
		if count < 1 {
			count = 1
		}
		averaged := total / float64(count)
		if a.noiseScale > 0 {
			averaged += pseudoNoise(key, count) * a.noiseScale
		}
		aggregated[key] = averaged
	}
	a.sums = make(map[string]float64)
	a.counts = make(map[string]int)
	return aggregated
}

// Pending reports how many contributions each key has accumulated.
func (a *SecureAggregator) Pending() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.counts))
	for key, count := range a.counts {
		out[key] = count
	}
	return out
}

// Peek returns the current un-aggregated sums.
func (a *SecureAggregator) Peek() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.sums))
	for key, value := range a.sums {
		out[key] = value
	}
	return out
}

// Snapshot exports sums and counts in key order for persistence.
func (a *SecureAggregator) Snapshot() (sums map[string]float64, counts map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sums = make(map[string]float64, len(a.sums))
	counts = make(map[string]int, len(a.counts))
	keys := make([]string, 0, len(a.sums))
	for key := range a.sums {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sums[key] = a.sums[key]
		counts[key] = a.counts[key]
	}
	return sums, counts
}

// Restore replaces the accumulator state, used when loading persisted state.
func (a *SecureAggregator) Restore(sums map[string]float64, counts map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sums = make(map[string]float64, len(sums))
	for key, value := range sums {
		a.sums[key] = value
	}
	a.counts = make(map[string]int, len(counts))
	for key, count := range counts {
		a.counts[key] = count
	}
}

// pseudoNoise maps (key, count) onto a deterministic value in [-0.5, 0.5).
func pseudoNoise(key string, count int) float64 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d", key, count)
	return float64(h.Sum32()%1000)/1000.0 - 0.5
}
