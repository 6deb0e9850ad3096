package kg

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// TextVectorizer produces deterministic embeddings for ingested text.
type TextVectorizer interface {
	Encode(text string) []float64
}

// Document describes a document slated for ingestion.
type Document struct {
	DocID   string   `json:"doc_id"`
	Source  string   `json:"source"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// IngestionReport summarizes the graph mutations one document produced.
type IngestionReport struct {
	DocumentID string         `json:"document_id"`
	NodesAdded int            `json:"nodes_added"`
	EdgesAdded int            `json:"edges_added"`
	Conflicts  []ConflictPair `json:"conflicts"`
	Warnings   []string       `json:"warnings"`
}

// Ingestor turns documents into Source and Claim nodes linked by mentions
// edges, skipping short sentences and duplicate claims and wiring
// contradiction edges for polar opposites.
type Ingestor struct {
	encoder   TextVectorizer
	minLength int
}

// NewIngestor builds an ingestor. minLength below 1 is raised to 1.
func NewIngestor(encoder TextVectorizer, minLength int) *Ingestor {
	if minLength < 1 {
		minLength = 1
	}
	return &Ingestor{encoder: encoder, minLength: minLength}
}

// Ingest splits the document into sentences and adds a claim node per
// sentence that survives the length and duplicate filters.
func (ing *Ingestor) Ingest(doc Document, graph *Graph) IngestionReport {
	report := IngestionReport{DocumentID: doc.DocID}

	sourceID := "source:" + doc.DocID
	title := doc.Title
	if title == "" {
		title = doc.Source
	}
	graph.AddNode(Node{
		ID:         sourceID,
		Type:       "Source",
		Text:       title,
		Sources:    []string{doc.Source},
		Confidence: 0.9,
		Metadata:   map[string]any{"tags": append([]string(nil), doc.Tags...)},
	})
	report.NodesAdded++

	for index, sentence := range SplitSentences(doc.Content) {
		position := index + 1
		if len(sentence) < ing.minLength {
			report.Warnings = append(report.Warnings, fmt.Sprintf("discarded_short_sentence:%d", position))
			continue
		}
		if existing, dup := ing.findDuplicate(graph, sentence); dup {
			report.Warnings = append(report.Warnings, fmt.Sprintf("duplicate:%d:%s", position, existing.ID))
			continue
		}

		claimID := fmt.Sprintf("claim:%s:%04d", doc.DocID, position)
		confidence := ing.confidence(sentence)
		claim := Node{
			ID:         claimID,
			Type:       "Claim",
			Text:       sentence,
			Sources:    []string{doc.Source},
			Confidence: confidence,
			Embedding:  ing.encode(sentence),
			Metadata:   map[string]any{"document_id": doc.DocID, "position": position},
		}
		report.Conflicts = append(report.Conflicts, ing.linkConflicts(graph, claim)...)
		graph.AddNode(claim)
		report.NodesAdded++

		graph.AddEdge(Edge{
			Source:   sourceID,
			Target:   claimID,
			Relation: "mentions",
			Weight:   confidence,
		})
		report.EdgesAdded++
	}
	return report
}

func (ing *Ingestor) encode(text string) []float64 {
	if ing.encoder == nil {
		return nil
	}
	return ing.encoder.Encode(text)
}

// confidence derives a sentence-level confidence from embedding energy,
// bounded to [0.2, 0.95].
func (ing *Ingestor) confidence(sentence string) float64 {
	vector := ing.encode(sentence)
	if len(vector) == 0 {
		return 0.5
	}
	energy := 0.0
	for _, v := range vector {
		energy += math.Abs(v)
	}
	energy /= float64(len(vector))
	c := 0.5 + energy
	if c < 0.2 {
		c = 0.2
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func (ing *Ingestor) findDuplicate(graph *Graph, text string) (Node, bool) {
	normalized := normalizeText(text, false)
	for _, node := range graph.Nodes("") {
		if node.Type != "Claim" {
			continue
		}
		if normalizeText(node.Text, false) == normalized {
			return node, true
		}
	}
	return Node{}, false
}

// linkConflicts adds contradiction edges between the new claim and existing
// claims of opposite polarity over the same normalized text.
func (ing *Ingestor) linkConflicts(graph *Graph, claim Node) []ConflictPair {
	var conflicts []ConflictPair
	normalized := normalizeText(claim.Text, true)
	negative := isNegative(claim.Text)
	for _, existing := range graph.Nodes("") {
		if existing.ID == claim.ID || existing.Type != "Claim" {
			continue
		}
		if isNegative(existing.Text) == negative {
			continue
		}
		if normalizeText(existing.Text, true) != normalized {
			continue
		}
		graph.AddEdge(Edge{
			Source:   existing.ID,
			Target:   claim.ID,
			Relation: "contradicts",
			Weight:   0.5,
		})
		conflicts = append(conflicts, orderedPair(existing.ID, claim.ID))
	}
	return conflicts
}

// SplitSentences splits text at '.', '!' and '?' boundaries, keeping the
// terminator with the sentence.
func SplitSentences(content string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range content {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// DomainRecord is a structured domain entry imported into long-term memory.
type DomainRecord struct {
	Identifier string         `json:"identifier"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`
	Tags       []string       `json:"tags"`
}

// DomainImportReport summarizes a domain import run.
type DomainImportReport struct {
	NodesAdded int            `json:"nodes_added"`
	EdgesAdded int            `json:"edges_added"`
	Types      map[string]int `json:"types"`
	Sources    []string       `json:"sources"`
}

// DomainImporter converts structured domain records into typed long-term
// nodes with describes edges from auto-created source nodes.
type DomainImporter struct {
	encoder TextVectorizer
}

// NewDomainImporter builds a domain importer over the given encoder.
func NewDomainImporter(encoder TextVectorizer) *DomainImporter {
	return &DomainImporter{encoder: encoder}
}

// ImportRecords inserts every record into long-term memory.
func (d *DomainImporter) ImportRecords(records []DomainRecord, graph *Graph) DomainImportReport {
	report := DomainImportReport{Types: make(map[string]int)}
	seenSources := make(map[string]struct{})
	for _, record := range records {
		nodeType := inferRecordType(record.Payload)
		text := formatRecordPayload(record)
		nodeID := "record:" + record.Identifier
		var embedding []float64
		if d.encoder != nil {
			embedding = d.encoder.Encode(text)
		}
		graph.AddNode(Node{
			ID:         nodeID,
			Type:       nodeType,
			Text:       text,
			Sources:    []string{record.Source},
			Confidence: 0.75,
			Embedding:  embedding,
			Metadata: map[string]any{
				"payload": record.Payload,
				"tags":    append([]string(nil), record.Tags...),
			},
			Memory: MemoryLongTerm,
		})
		report.NodesAdded++
		report.Types[nodeType]++
		seenSources[record.Source] = struct{}{}

		sourceID := "source:" + record.Source
		if _, exists := graph.GetNode(sourceID); !exists {
			graph.AddNode(Node{
				ID:         sourceID,
				Type:       "Source",
				Text:       record.Source,
				Sources:    []string{record.Source},
				Confidence: 0.8,
				Metadata:   map[string]any{"auto_created": true},
				Memory:     MemoryLongTerm,
			})
			report.NodesAdded++
		}

		graph.AddEdge(Edge{
			Source:   sourceID,
			Target:   nodeID,
			Relation: "describes",
			Weight:   0.8,
			Memory:   MemoryLongTerm,
			Metadata: map[string]any{"origin": "domain_import"},
		})
		report.EdgesAdded++
	}
	for source := range seenSources {
		report.Sources = append(report.Sources, source)
	}
	sort.Strings(report.Sources)
	return report
}

func inferRecordType(payload map[string]any) string {
	if t, ok := payload["type"].(string); ok && t != "" {
		return strings.ToUpper(t[:1]) + strings.ToLower(t[1:])
	}
	numeric := 0
	for _, value := range payload {
		if _, ok := toFloat(value); ok {
			numeric++
		}
	}
	if numeric > 0 && len(payload) <= 3 {
		return "Metric"
	}
	for key := range payload {
		if strings.Contains(strings.ToLower(key), "date") {
			return "Event"
		}
	}
	for _, value := range payload {
		if _, ok := value.([]any); ok {
			return "Collection"
		}
	}
	return "Fact"
}

func formatRecordPayload(record DomainRecord) string {
	payload := record.Payload
	title := record.Identifier
	if name, ok := payload["name"].(string); ok && name != "" {
		title = name
	} else if t, ok := payload["title"].(string); ok && t != "" {
		title = t
	}
	var fields []string
	for _, key := range sortedAnyKeys(payload) {
		if key == "name" || key == "title" || key == "type" {
			continue
		}
		fields = append(fields, fmt.Sprintf("%s=%v", key, payload[key]))
		if len(fields) == 5 {
			break
		}
	}
	if len(fields) == 0 {
		return title
	}
	return fmt.Sprintf("%s: %s", title, strings.Join(fields, ", "))
}
