package kg

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var wordPattern = regexp.MustCompile(`[\w']+`)

var negationTokens = map[string]struct{}{
	"not":   {},
	"never": {},
	"no":    {},
}

// ConflictPair is an unordered pair of conflicting node ids, stored with
// Left < Right.
type ConflictPair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

func orderedPair(a, b string) ConflictPair {
	if b < a {
		a, b = b, a
	}
	return ConflictPair{Left: a, Right: b}
}

// ClarificationRequest asks which of two conflicting claims is
// authoritative.
type ClarificationRequest struct {
	Pair    ConflictPair `json:"pair"`
	Prompt  string       `json:"prompt"`
	Sources []string     `json:"sources"`
}

// ConflictQueries returns the endpoints of explicit contradiction edges.
func (g *Graph) ConflictQueries() []ConflictPair {
	var pairs []ConflictPair
	for _, edge := range g.Edges("") {
		if edge.Relation == "contradicts" || edge.Relation == "conflicts_with" {
			pairs = append(pairs, orderedPair(edge.Source, edge.Target))
		}
	}
	return pairs
}

// DetectConflicts finds contradictions via explicit edges and via the
// negation heuristic: node texts are normalized by dropping negation tokens
// and sorting lower-cased word tokens; within each normalized group, every
// (negative, positive) polarity pair conflicts. The result is sorted and
// deduplicated, so it is stable under node insertion order.
func (g *Graph) DetectConflicts() []ConflictPair {
	set := make(map[ConflictPair]struct{})
	for _, pair := range g.ConflictQueries() {
		set[pair] = struct{}{}
	}

	groups := make(map[string][]Node)
	for _, node := range g.Nodes("") {
		key := normalizeText(node.Text, true)
		if key != "" {
			groups[key] = append(groups[key], node)
		}
	}
	for _, candidates := range groups {
		var negative, positive []string
		for _, candidate := range candidates {
			if isNegative(candidate.Text) {
				negative = append(negative, candidate.ID)
			} else {
				positive = append(positive, candidate.ID)
			}
		}
		for _, neg := range negative {
			for _, pos := range positive {
				set[orderedPair(neg, pos)] = struct{}{}
			}
		}
	}

	pairs := make([]ConflictPair, 0, len(set))
	for pair := range set {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Left != pairs[j].Left {
			return pairs[i].Left < pairs[j].Left
		}
		return pairs[i].Right < pairs[j].Right
	})
	return pairs
}

// GenerateClarificationRequests builds a prompt for each detected conflict,
// carrying the union of both nodes' sources.
func (g *Graph) GenerateClarificationRequests() []ClarificationRequest {
	var requests []ClarificationRequest
	for _, pair := range g.DetectConflicts() {
		left, okLeft := g.GetNode(pair.Left)
		right, okRight := g.GetNode(pair.Right)
		if !okLeft || !okRight {
			continue
		}
		sources := make(map[string]struct{})
		for _, s := range left.Sources {
			sources[s] = struct{}{}
		}
		for _, s := range right.Sources {
			sources[s] = struct{}{}
		}
		union := make([]string, 0, len(sources))
		for s := range sources {
			union = append(union, s)
		}
		sort.Strings(union)
		requests = append(requests, ClarificationRequest{
			Pair: pair,
			Prompt: fmt.Sprintf(
				"Clarify whether '%s' or '%s' should be treated as authoritative.",
				left.Text, right.Text,
			),
			Sources: union,
		})
	}
	return requests
}

// normalizeText lowers and tokenizes text; with dropNegation it removes
// negation tokens and sorts the remainder so polar variants collide.
func normalizeText(text string, dropNegation bool) string {
	tokens := wordPattern.FindAllString(strings.ToLower(text), -1)
	filtered := tokens[:0]
	for _, token := range tokens {
		if dropNegation {
			if _, isNeg := negationTokens[token]; isNeg {
				continue
			}
		}
		filtered = append(filtered, token)
	}
	if dropNegation {
		sort.Strings(filtered)
	}
	return strings.Join(filtered, " ")
}

func isNegative(text string) bool {
	for _, token := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, ok := negationTokens[token]; ok {
			return true
		}
	}
	return false
}
