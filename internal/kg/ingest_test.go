package kg

import (
	"strings"
	"testing"
)

type stubVectorizer struct{}

func (stubVectorizer) Encode(text string) []float64 {
	return []float64{float64(len(text)) / 100.0, 0.1}
}

func TestIngestDocument(t *testing.T) {
	g := NewGraph()
	ing := NewIngestor(stubVectorizer{}, 12)

	report := ing.Ingest(Document{
		DocID:   "doc-1",
		Source:  "https://example.com/doc-1",
		Title:   "Runtime notes",
		Content: "The Kolibri runtime stores claims. Tiny. The Kolibri runtime stores claims.",
		Tags:    []string{"runtime"},
	}, g)

	if report.DocumentID != "doc-1" {
		t.Fatalf("document id = %s", report.DocumentID)
	}
	// Source node plus one claim; the second sentence is too short, the
	// third is a duplicate.
	if report.NodesAdded != 2 || report.EdgesAdded != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Warnings) != 2 {
		t.Fatalf("warnings = %v", report.Warnings)
	}
	if !strings.HasPrefix(report.Warnings[0], "discarded_short_sentence:") {
		t.Fatalf("warnings[0] = %s", report.Warnings[0])
	}
	if !strings.HasPrefix(report.Warnings[1], "duplicate:") {
		t.Fatalf("warnings[1] = %s", report.Warnings[1])
	}
	if _, ok := g.GetNode("source:doc-1"); !ok {
		t.Fatal("source node missing")
	}
	if _, ok := g.GetNode("claim:doc-1:0001"); !ok {
		t.Fatal("claim node missing")
	}
}

func TestIngestLinksContradictions(t *testing.T) {
	g := NewGraph()
	ing := NewIngestor(stubVectorizer{}, 5)

	ing.Ingest(Document{DocID: "d1", Source: "s1", Content: "The service is stable."}, g)
	report := ing.Ingest(Document{DocID: "d2", Source: "s2", Content: "The service is not stable."}, g)

	if len(report.Conflicts) != 1 {
		t.Fatalf("conflicts = %v", report.Conflicts)
	}
	found := false
	for _, edge := range g.Edges("") {
		if edge.Relation == "contradicts" {
			found = true
		}
	}
	if !found {
		t.Fatal("contradicts edge missing")
	}
}

func TestDomainImport(t *testing.T) {
	g := NewGraph()
	importer := NewDomainImporter(stubVectorizer{})

	report := importer.ImportRecords([]DomainRecord{
		{Identifier: "m-1", Source: "inventory", Payload: map[string]any{"name": "latency", "value": 12.5}},
		{Identifier: "e-1", Source: "inventory", Payload: map[string]any{"name": "rollout", "start_date": "2026-01-01", "owner": "core", "phase": "beta"}},
	}, g)

	// Two records plus one auto-created source node.
	if report.NodesAdded != 3 || report.EdgesAdded != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Types["Metric"] != 1 || report.Types["Event"] != 1 {
		t.Fatalf("types = %v", report.Types)
	}
	node, ok := g.GetNode("record:m-1")
	if !ok || node.Memory != MemoryLongTerm {
		t.Fatalf("record node = %+v ok=%v", node, ok)
	}
}

func TestCompressDialogue(t *testing.T) {
	g := NewGraph()
	digest := g.CompressDialogue([]string{
		"alice: The deployment pipeline failed again this morning",
		"bob: Therefore we should freeze the deployment pipeline today",
	}, "sess-1")

	if digest.Session != "sess-1" || len(digest.Events) != 2 {
		t.Fatalf("digest = %+v", digest)
	}
	if digest.Events[0].ID != "sess-1:001" || digest.Events[0].Actors[0] != "alice" {
		t.Fatalf("event = %+v", digest.Events[0])
	}
	if len(digest.CausalLinks) != 1 {
		t.Fatalf("causal links = %v", digest.CausalLinks)
	}
	link := digest.CausalLinks[0]
	if link.Cause != "sess-1:001" || link.Effect != "sess-1:002" || link.Reason != "shared_topic" {
		t.Fatalf("link = %+v", link)
	}
	if !strings.Contains(digest.Summary, "2 events captured") {
		t.Fatalf("summary = %s", digest.Summary)
	}
}
