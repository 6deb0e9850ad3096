package encoder

import "sort"

// SensorEvent is the normalized representation of an IoT signal.
type SensorEvent struct {
	Source     string         `json:"source"`
	SignalType string         `json:"signal_type"`
	Value      float64        `json:"value"`
	Timestamp  float64        `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TimedValue is one (timestamp, value) sample of a sensor series.
type TimedValue struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// SensorHub aggregates device events into a unified timeline.
type SensorHub struct {
	events []SensorEvent
}

// NewSensorHub returns an empty hub.
func NewSensorHub() *SensorHub {
	return &SensorHub{}
}

// Ingest inserts an event, keeping the timeline sorted by timestamp.
func (h *SensorHub) Ingest(event SensorEvent) {
	h.events = append(h.events, event)
	sort.SliceStable(h.events, func(i, j int) bool {
		return h.events[i].Timestamp < h.events[j].Timestamp
	})
}

// Batch returns events with start <= timestamp <= end.
func (h *SensorHub) Batch(start, end float64) []SensorEvent {
	var out []SensorEvent
	for _, event := range h.events {
		if event.Timestamp >= start && event.Timestamp <= end {
			out = append(out, event)
		}
	}
	return out
}

// ToSequences groups the timeline into per-signal series keyed by
// "source:signal_type".
func (h *SensorHub) ToSequences() map[string][]TimedValue {
	series := make(map[string][]TimedValue)
	for _, event := range h.events {
		key := event.Source + ":" + event.SignalType
		series[key] = append(series[key], TimedValue{Timestamp: event.Timestamp, Value: event.Value})
	}
	return series
}

// Len returns the number of ingested events.
func (h *SensorHub) Len() int { return len(h.events) }
