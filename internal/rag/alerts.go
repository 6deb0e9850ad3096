package rag

import (
	"go.uber.org/zap"

	"kolibri/internal/journal"
	"kolibri/internal/logging"
)

// AlertThresholds configures cache health alerting.
type AlertThresholds struct {
	MinHitRate      float64 `json:"min_hit_rate" yaml:"min_hit_rate"`
	MaxMissRate     float64 `json:"max_miss_rate" yaml:"max_miss_rate"`
	MaxSize         int     `json:"max_size" yaml:"max_size"`
	MinObservations int64   `json:"min_observations" yaml:"min_observations"`
}

// DefaultAlertThresholds returns the standard cache alert configuration.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		MinHitRate:      0.2,
		MaxMissRate:     0.95,
		MaxSize:         1024,
		MinObservations: 10,
	}
}

// Alert is one breached cache threshold.
type Alert struct {
	Name       string  `json:"name"`
	Metric     string  `json:"metric"`
	Observed   float64 `json:"observed"`
	Threshold  float64 `json:"threshold"`
	Comparison string  `json:"comparison"`
}

// CacheMonitor evaluates answer-cache statistics against thresholds and
// journals runtime_alert events for breaches.
type CacheMonitor struct {
	thresholds AlertThresholds
	journal    *journal.Journal
	log        *zap.Logger
}

// NewCacheMonitor builds a monitor journaling to j.
func NewCacheMonitor(thresholds AlertThresholds, j *journal.Journal) *CacheMonitor {
	return &CacheMonitor{
		thresholds: thresholds,
		journal:    j,
		log:        logging.Get(logging.CategoryRAG),
	}
}

// Evaluate compares stats against the thresholds. Rate thresholds only fire
// once the cache has seen MinObservations requests; the size threshold
// always applies.
func (m *CacheMonitor) Evaluate(stats CacheStats) []Alert {
	var alerts []Alert
	if stats.Requests >= m.thresholds.MinObservations {
		if stats.HitRate < m.thresholds.MinHitRate {
			alerts = append(alerts, Alert{
				Name:       "rag_cache_hit_rate_low",
				Metric:     "hit_rate",
				Observed:   stats.HitRate,
				Threshold:  m.thresholds.MinHitRate,
				Comparison: "lt",
			})
		}
		if stats.MissRate > m.thresholds.MaxMissRate {
			alerts = append(alerts, Alert{
				Name:       "rag_cache_miss_rate_high",
				Metric:     "miss_rate",
				Observed:   stats.MissRate,
				Threshold:  m.thresholds.MaxMissRate,
				Comparison: "gt",
			})
		}
	}
	if m.thresholds.MaxSize > 0 && stats.Size > m.thresholds.MaxSize {
		alerts = append(alerts, Alert{
			Name:       "rag_cache_size_exceeded",
			Metric:     "size",
			Observed:   float64(stats.Size),
			Threshold:  float64(m.thresholds.MaxSize),
			Comparison: "gt",
		})
	}

	for _, alert := range alerts {
		m.log.Warn("cache alert",
			zap.String("name", alert.Name),
			zap.Float64("observed", alert.Observed),
			zap.Float64("threshold", alert.Threshold))
		if m.journal == nil {
			continue
		}
		payload := map[string]any{
			"name":       alert.Name,
			"metric":     alert.Metric,
			"observed":   alert.Observed,
			"threshold":  alert.Threshold,
			"comparison": alert.Comparison,
			"stats": map[string]any{
				"hits":      stats.Hits,
				"misses":    stats.Misses,
				"requests":  stats.Requests,
				"hit_rate":  stats.HitRate,
				"miss_rate": stats.MissRate,
				"size":      stats.Size,
			},
		}
		m.journal.Append("runtime_alert", payload)
	}
	return alerts
}
