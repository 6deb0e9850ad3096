package config

import (
	"time"

	"kolibri/internal/rag"
)

// CacheConfig configures the offline and answer caches.
type CacheConfig struct {
	OfflineTTL string              `yaml:"offline_ttl"`
	AnswerTTL  string              `yaml:"answer_ttl"`
	Alerts     rag.AlertThresholds `yaml:"alerts"`
}

// DefaultCache returns the stock cache TTLs and alert thresholds.
func DefaultCache() CacheConfig {
	return CacheConfig{
		OfflineTTL: "1h",
		AnswerTTL:  "15m",
		Alerts:     rag.DefaultAlertThresholds(),
	}
}

// GetOfflineTTL returns the offline cache TTL as a duration.
func (c CacheConfig) GetOfflineTTL() time.Duration {
	d, err := time.ParseDuration(c.OfflineTTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetAnswerTTL returns the answer cache TTL as a duration.
func (c CacheConfig) GetAnswerTTL() time.Duration {
	d, err := time.ParseDuration(c.AnswerTTL)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// SLOConfig configures stage latency tracking.
type SLOConfig struct {
	WindowSize     int                `yaml:"window_size"`
	ThresholdsMS   map[string]float64 `yaml:"thresholds_ms"`
	LatencyBudget  string             `yaml:"latency_budget"`
	EnableExporter bool               `yaml:"enable_exporter"`
}

// DefaultSLO returns the stock latency tracking settings.
func DefaultSLO() SLOConfig {
	return SLOConfig{
		WindowSize:    200,
		ThresholdsMS:  map[string]float64{},
		LatencyBudget: "1.5s",
	}
}

// GetLatencyBudget returns the end-to-end latency budget as a duration.
func (s SLOConfig) GetLatencyBudget() time.Duration {
	d, err := time.ParseDuration(s.LatencyBudget)
	if err != nil {
		return 1500 * time.Millisecond
	}
	return d
}

// MKSIConfig configures skill index aggregation and export.
type MKSIConfig struct {
	WindowSize     int    `yaml:"window_size"`
	ExportFile     string `yaml:"export_file"`
	ExportEndpoint string `yaml:"export_endpoint"`
}

// DefaultMKSI returns the stock skill index settings with export disabled.
func DefaultMKSI() MKSIConfig {
	return MKSIConfig{
		WindowSize: 20,
	}
}
