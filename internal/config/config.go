package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"kolibri/internal/rag"
)

// Config holds all kolibri runtime configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir anchors relative journal and graph paths.
	DataDir string `yaml:"data_dir"`

	// Journal file for the hash-chained action log.
	JournalPath string `yaml:"journal_path"`

	// Knowledge graph snapshot file.
	GraphPath string `yaml:"graph_path"`

	// Skill sandbox limits
	Sandbox SandboxConfig `yaml:"sandbox"`

	// RAG caches
	Cache CacheConfig `yaml:"cache"`

	// Stage latency tracking
	SLO SLOConfig `yaml:"slo"`

	// Kolibri skill index export
	MKSI MKSIConfig `yaml:"mksi"`

	// Smart-device policy
	IoT IoTConfig `yaml:"iot"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the zap root logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Name:    "kolibri",
		Version: "1.0.0",

		DataDir:     "data",
		JournalPath: "journal.jsonl",
		GraphPath:   "kolibri.kg.jsonl",

		Sandbox: DefaultSandbox(),
		Cache:   DefaultCache(),
		SLO:     DefaultSLO(),
		MKSI:    DefaultMKSI(),
		IoT:     DefaultIoT(),

		Logging: LoggingConfig{Debug: false},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// JournalFile returns the journal path anchored at the data directory.
func (c *Config) JournalFile() string {
	return c.anchored(c.JournalPath)
}

// GraphFile returns the graph snapshot path anchored at the data directory.
func (c *Config) GraphFile() string {
	return c.anchored(c.GraphPath)
}

func (c *Config) anchored(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// applyEnvOverrides applies KOLIBRI_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("KOLIBRI_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if path := os.Getenv("KOLIBRI_JOURNAL"); path != "" {
		c.JournalPath = path
	}
	if path := os.Getenv("KOLIBRI_GRAPH"); path != "" {
		c.GraphPath = path
	}
	if url := os.Getenv("KOLIBRI_MKSI_ENDPOINT"); url != "" {
		c.MKSI.ExportEndpoint = url
	}
	if path := os.Getenv("KOLIBRI_MKSI_FILE"); path != "" {
		c.MKSI.ExportFile = path
	}
	if raw := os.Getenv("KOLIBRI_DEBUG"); raw != "" {
		if debug, err := strconv.ParseBool(raw); err == nil {
			c.Logging.Debug = debug
		}
	}
}

// AlertThresholds returns the answer-cache alert thresholds, falling back to
// the rag defaults when the section is zero.
func (c *Config) AlertThresholds() rag.AlertThresholds {
	if c.Cache.Alerts == (rag.AlertThresholds{}) {
		return rag.DefaultAlertThresholds()
	}
	return c.Cache.Alerts
}
