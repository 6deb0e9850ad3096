package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "kolibri", cfg.Name)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.GetTimeLimit())
	assert.Equal(t, time.Hour, cfg.Cache.GetOfflineTTL())
	assert.Equal(t, 200, cfg.SLO.WindowSize)
	assert.Equal(t, 10, cfg.IoT.MaxActionsPerSession)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kolibri.yaml")
	raw := []byte(`
name: bench
sandbox:
  time_limit: 250ms
  max_workers: 2
cache:
  answer_ttl: 90s
iot:
  allowlist:
    lamp: [on, off]
  confirmation_required: ["lock:open"]
`)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bench", cfg.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.GetTimeLimit())
	assert.Equal(t, int64(2), cfg.Sandbox.MaxWorkers)
	assert.Equal(t, 90*time.Second, cfg.Cache.GetAnswerTTL())
	assert.Equal(t, []string{"on", "off"}, cfg.IoT.Allowlist["lamp"])
	assert.Equal(t, []string{"lock:open"}, cfg.IoT.ConfirmationRequired)
	// Untouched sections keep defaults.
	assert.Equal(t, time.Hour, cfg.Cache.GetOfflineTTL())
	assert.Equal(t, int64(256), cfg.Sandbox.MemoryLimitMB)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KOLIBRI_DATA_DIR", "/var/kolibri")
	t.Setenv("KOLIBRI_JOURNAL", "audit.jsonl")
	t.Setenv("KOLIBRI_MKSI_ENDPOINT", "http://collector:9090/mksi")
	t.Setenv("KOLIBRI_DEBUG", "true")

	cfg := Default()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/var/kolibri", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/kolibri", "audit.jsonl"), cfg.JournalFile())
	assert.Equal(t, "http://collector:9090/mksi", cfg.MKSI.ExportEndpoint)
	assert.True(t, cfg.Logging.Debug)
}

func TestAnchoredKeepsAbsolutePaths(t *testing.T) {
	cfg := Default()
	cfg.GraphPath = "/srv/graph.jsonl"

	assert.Equal(t, "/srv/graph.jsonl", cfg.GraphFile())
}

func TestInvalidDurationFallsBack(t *testing.T) {
	s := SandboxConfig{TimeLimit: "soon"}
	assert.Equal(t, 5*time.Second, s.GetTimeLimit())

	c := CacheConfig{AnswerTTL: "whenever"}
	assert.Equal(t, 15*time.Minute, c.GetAnswerTTL())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kolibri.yaml")

	cfg := Default()
	cfg.Name = "roundtrip"
	cfg.MKSI.ExportFile = "mksi.json"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Name)
	assert.Equal(t, "mksi.json", loaded.MKSI.ExportFile)
}
