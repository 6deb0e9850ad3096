package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	return func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
}

func TestAppendChainsEntries(t *testing.T) {
	j := New().WithClock(fixedClock())

	first := j.Append("session_started", map[string]any{"session_id": "s1"})
	second := j.Append("plan", map[string]any{"goal": "water the plants"})

	assert.Equal(t, 0, first.Index)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.True(t, j.Verify())
}

func TestDeterministicHashes(t *testing.T) {
	build := func() Entry {
		j := New().WithClock(fixedClock())
		return j.Append("plan", map[string]any{
			"skills": []string{"research", "writer"},
			"at":     time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		})
	}

	assert.Equal(t, build().Hash, build().Hash)
}

func TestCanonicalPayloadNormalizesValues(t *testing.T) {
	out := CanonicalPayload(map[string]any{
		"when":   time.Date(2025, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600)),
		"tags":   []string{"a", "b"},
		"scores": []float64{0.5},
		"nested": map[string]any{"inner": []any{time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}},
	})

	assert.Equal(t, "2025-03-01T08:30:00Z", out["when"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
	assert.Equal(t, []any{0.5}, out["scores"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, []any{"2025-03-01T00:00:00Z"}, nested["inner"])
}

func TestTail(t *testing.T) {
	j := New().WithClock(fixedClock())
	for i := 0; i < 5; i++ {
		j.Append("tick", map[string]any{"i": i})
	}

	tail := j.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, 3, tail[0].Index)
	assert.Equal(t, 4, tail[1].Index)

	assert.Nil(t, j.Tail(0))
	assert.Len(t, j.Tail(100), 5)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "journal.jsonl")

	j := New().WithClock(fixedClock())
	j.Append("session_started", map[string]any{"session_id": "s1"})
	j.Append("iot_executed", map[string]any{
		"device": "lamp",
		"at":     time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, j.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.True(t, loaded.Verify())
	assert.Equal(t, j.Entries(), loaded.Entries())
}

func TestLoadMissingFileYieldsEmptyJournal(t *testing.T) {
	j, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 0, j.Len())
}

func TestLoadDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j := New().WithClock(fixedClock())
	j.Append("plan", map[string]any{"goal": "original goal"})
	require.NoError(t, j.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "original goal", "edited goal", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = Load(path)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, 0, integrity.Index)
}

func TestSubscribeReceivesAppends(t *testing.T) {
	j := New().WithClock(fixedClock())
	sub := j.Subscribe()
	defer sub.Close()

	j.Append("cache_hit", map[string]any{"key": "k"})

	entry := <-sub.C()
	assert.Equal(t, "cache_hit", entry.Event)
}

func TestSubscriptionDropsOldestWhenFull(t *testing.T) {
	j := New().WithClock(fixedClock())
	sub := j.SubscribeBuffered(1)
	defer sub.Close()

	j.Append("first", nil)
	j.Append("second", nil)
	j.Append("third", nil)

	entry := <-sub.C()
	assert.Equal(t, "third", entry.Event)
}

func TestCloseStopsDelivery(t *testing.T) {
	j := New().WithClock(fixedClock())
	sub := j.Subscribe()
	sub.Close()

	j.Append("after_close", nil)

	_, open := <-sub.C()
	assert.False(t, open)
}
