// Package rag implements retrieval augmented answering over the knowledge
// graph, plus the two request caches (offline and answer) and the cache
// health alerting that guards them.
package rag

import (
	"fmt"
	"sort"
	"strings"

	"kolibri/internal/kg"
)

// StepRecorder receives reasoning steps emitted while answering. A nil
// recorder disables reasoning capture.
type StepRecorder interface {
	AddStep(name, message string, references []string, confidence float64)
}

// RetrievedFact pairs a supporting node with its retrieval score.
type RetrievedFact struct {
	Node  kg.Node
	Score float64
}

// FactPayload is the serializable view of a retrieved fact.
type FactPayload struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
	Score      float64  `json:"score"`
}

// Verification summarizes source coverage of an answer's support set.
type Verification struct {
	Status     string   `json:"status"`
	Missing    []string `json:"missing"`
	Confidence float64  `json:"confidence"`
	Message    string   `json:"message"`
}

// Answer is the retrieval result bundle.
type Answer struct {
	Query        string        `json:"query"`
	Summary      string        `json:"summary"`
	Support      []FactPayload `json:"support"`
	Verification Verification  `json:"verification"`
}

// Clone returns a deep copy, safe to hand out from a cache.
func (a Answer) Clone() Answer {
	out := a
	out.Support = make([]FactPayload, len(a.Support))
	for i, fact := range a.Support {
		fact.Sources = append([]string(nil), fact.Sources...)
		out.Support[i] = fact
	}
	out.Verification.Missing = append([]string(nil), a.Verification.Missing...)
	return out
}

// Pipeline retrieves supporting facts for a query by embedding similarity
// against node texts.
type Pipeline struct {
	graph   *kg.Graph
	encoder kg.TextVectorizer
}

// NewPipeline builds a retrieval pipeline over the graph.
func NewPipeline(graph *kg.Graph, encoder kg.TextVectorizer) *Pipeline {
	return &Pipeline{graph: graph, encoder: encoder}
}

// Retrieve returns the top-k nodes whose text embeddings have a positive
// dot product with the query embedding, highest score first.
func (p *Pipeline) Retrieve(query string, topK int) []RetrievedFact {
	if topK <= 0 {
		topK = 5
	}
	queryVector := p.encoder.Encode(query)
	var scored []RetrievedFact
	for _, node := range p.graph.Nodes("") {
		if node.Text == "" {
			continue
		}
		score := dot(queryVector, p.encoder.Encode(node.Text))
		if score > 0 {
			scored = append(scored, RetrievedFact{Node: node, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// Respond retrieves support for the query and assembles the answer bundle,
// recording retrieval and verification reasoning steps.
func (p *Pipeline) Respond(query string, topK int, reasoning StepRecorder) Answer {
	retrieved := p.Retrieve(query, topK)
	references := make([]string, 0, len(retrieved))
	for _, fact := range retrieved {
		references = append(references, fact.Node.ID)
	}
	if reasoning != nil {
		reasoning.AddStep("retrieve",
			fmt.Sprintf("found %d supporting facts", len(retrieved)),
			references, 0.6)
	}
	support := make([]FactPayload, 0, len(retrieved))
	for _, fact := range retrieved {
		support = append(support, FactPayload{
			ID:         fact.Node.ID,
			Text:       fact.Node.Text,
			Sources:    append([]string(nil), fact.Node.Sources...),
			Confidence: fact.Node.Confidence,
			Score:      fact.Score,
		})
	}
	verification := VerifySources(support)
	if reasoning != nil {
		reasoning.AddStep("verify", verification.Message, references, verification.Confidence)
	}
	return Answer{
		Query:        query,
		Summary:      summarize(query, retrieved),
		Support:      support,
		Verification: verification,
	}
}

// VerifySources checks that every supporting fact names at least one source.
func VerifySources(support []FactPayload) Verification {
	var missing []string
	for _, fact := range support {
		if len(fact.Sources) == 0 {
			missing = append(missing, fact.ID)
		}
	}
	if len(missing) > 0 {
		return Verification{
			Status:     "partial",
			Missing:    missing,
			Confidence: 0.2,
			Message:    fmt.Sprintf("missing sources for %d facts", len(missing)),
		}
	}
	return Verification{Status: "ok", Missing: []string{}, Confidence: 0.9, Message: "all facts have sources"}
}

func summarize(query string, facts []RetrievedFact) string {
	if len(facts) == 0 {
		return "no supporting knowledge found"
	}
	lines := []string{"Answering: " + query}
	for _, fact := range facts {
		snippet := strings.ReplaceAll(strings.TrimSpace(fact.Node.Text), "\n", " ")
		lines = append(lines, fmt.Sprintf("- %s (confidence=%.2f)", snippet, fact.Node.Confidence))
	}
	return strings.Join(lines, "\n")
}

func dot(left, right []float64) float64 {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += left[i] * right[i]
	}
	return sum
}
