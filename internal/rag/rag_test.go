package rag

import (
	"strings"
	"testing"
	"time"

	"kolibri/internal/encoder"
	"kolibri/internal/journal"
	"kolibri/internal/kg"
)

func seededGraph() *kg.Graph {
	g := kg.NewGraph()
	g.AddNode(kg.Node{
		ID:         "fact-1",
		Type:       "Claim",
		Text:       "Kolibri stores claims in a knowledge graph",
		Sources:    []string{"doc-1"},
		Confidence: 0.8,
	})
	g.AddNode(kg.Node{
		ID:         "fact-2",
		Type:       "Claim",
		Text:       "The journal is hash chained",
		Sources:    []string{"doc-2"},
		Confidence: 0.9,
	})
	g.AddNode(kg.Node{ID: "empty", Type: "Claim", Text: "", Confidence: 0.1})
	return g
}

func TestRetrieveRanksByScore(t *testing.T) {
	pipeline := NewPipeline(seededGraph(), encoder.NewTextEncoder(32))
	facts := pipeline.Retrieve("knowledge graph claims", 5)
	if len(facts) == 0 {
		t.Fatal("no facts retrieved")
	}
	if facts[0].Node.ID != "fact-1" {
		t.Fatalf("top fact = %s", facts[0].Node.ID)
	}
	for i := 1; i < len(facts); i++ {
		if facts[i].Score > facts[i-1].Score {
			t.Fatal("facts not sorted by score")
		}
	}
}

func TestRespondBundlesSummaryAndVerification(t *testing.T) {
	pipeline := NewPipeline(seededGraph(), encoder.NewTextEncoder(32))
	answer := pipeline.Respond("knowledge graph claims", 3, nil)

	if answer.Query != "knowledge graph claims" {
		t.Fatalf("query = %s", answer.Query)
	}
	if !strings.HasPrefix(answer.Summary, "Answering: knowledge graph claims") {
		t.Fatalf("summary = %s", answer.Summary)
	}
	for _, fact := range answer.Support {
		if !strings.Contains(answer.Summary, fact.Text) {
			t.Fatalf("summary missing fact text %q", fact.Text)
		}
	}
	if answer.Verification.Status != "ok" || answer.Verification.Confidence != 0.9 {
		t.Fatalf("verification = %+v", answer.Verification)
	}
}

func TestRespondNoSupport(t *testing.T) {
	pipeline := NewPipeline(kg.NewGraph(), encoder.NewTextEncoder(32))
	answer := pipeline.Respond("anything", 5, nil)
	if answer.Summary != "no supporting knowledge found" {
		t.Fatalf("summary = %s", answer.Summary)
	}
}

func TestVerifySourcesPartial(t *testing.T) {
	verification := VerifySources([]FactPayload{
		{ID: "a", Sources: []string{"s"}},
		{ID: "b"},
	})
	if verification.Status != "partial" || verification.Confidence != 0.2 {
		t.Fatalf("verification = %+v", verification)
	}
	if len(verification.Missing) != 1 || verification.Missing[0] != "b" {
		t.Fatalf("missing = %v", verification.Missing)
	}
}

func TestAnswerKeyCanonicalization(t *testing.T) {
	a := AnswerKey("u", "q", []string{"b", "a", "a"}, []string{"text", "image"}, 5)
	b := AnswerKey("u", "q", []string{"a", "b"}, []string{"image", "text"}, 5)
	if a != b {
		t.Fatal("tag and modality order must not change the key")
	}
	if a == AnswerKey("u", "q", []string{"a", "b"}, []string{"image", "text"}, 6) {
		t.Fatal("top_k must be part of the key")
	}
}

func TestOfflineKeyNormalizesBytes(t *testing.T) {
	a := OfflineKey("u", "g", map[string]any{"image": []byte{1, 2, 3}}, "t", nil)
	b := OfflineKey("u", "g", map[string]any{"image": []byte{1, 2, 3}}, "t", nil)
	c := OfflineKey("u", "g", map[string]any{"image": []byte{9, 9, 9}}, "t", nil)
	if a != b {
		t.Fatal("identical inputs must produce identical keys")
	}
	if a == c {
		t.Fatal("different bytes must change the key")
	}
}

func TestAnswerCacheHitMissAndTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewAnswerCache(time.Minute).WithClock(func() time.Time { return now })

	if _, ok := cache.Get("k"); ok {
		t.Fatal("unexpected hit")
	}
	cache.Put("k", Answer{Query: "q", Support: []FactPayload{{ID: "a"}}})
	answer, ok := cache.Get("k")
	if !ok || answer.Query != "q" {
		t.Fatalf("hit = %v answer = %+v", ok, answer)
	}

	// Mutating the returned copy must not affect the cached value.
	answer.Support[0].ID = "mutated"
	again, _ := cache.Get("k")
	if again.Support[0].ID != "a" {
		t.Fatal("cache returned a shared reference")
	}

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Requests != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("k"); ok {
		t.Fatal("entry survived TTL")
	}
}

func TestOfflineCacheTTL(t *testing.T) {
	now := time.Unix(0, 0)
	cache := NewOfflineCache(time.Minute).WithClock(func() time.Time { return now })
	cache.Put("k", map[string]any{"plan": "p"})
	if _, ok := cache.Get("k"); !ok {
		t.Fatal("expected hit")
	}
	now = now.Add(61 * time.Second)
	if _, ok := cache.Get("k"); ok {
		t.Fatal("entry survived TTL")
	}
	if cache.Size() != 0 {
		t.Fatalf("size = %d", cache.Size())
	}
}

func TestCacheMonitorAlerts(t *testing.T) {
	j := journal.New()
	monitor := NewCacheMonitor(DefaultAlertThresholds(), j)

	// Below the observation floor nothing fires.
	if alerts := monitor.Evaluate(CacheStats{Requests: 5, MissRate: 1.0}); len(alerts) != 0 {
		t.Fatalf("alerts = %v", alerts)
	}

	stats := CacheStats{Hits: 0, Misses: 20, Requests: 20, HitRate: 0, MissRate: 1.0, Size: 3}
	alerts := monitor.Evaluate(stats)
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v", alerts)
	}
	entries := j.Entries()
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Event != "runtime_alert" {
			t.Fatalf("event = %s", entry.Event)
		}
	}
}
