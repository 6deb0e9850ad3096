package kg

import "math"

// DefaultDedupThreshold is the cosine similarity above which two embeddings
// are considered the same fact.
const DefaultDedupThreshold = 0.995

// MergedPair records one deduplication merge.
type MergedPair struct {
	Canonical string `json:"canonical"`
	Duplicate string `json:"duplicate"`
}

// DeduplicateEmbeddings merges nodes whose embeddings are nearly identical.
// The canonical survivor is the node with the higher (memory==long_term,
// confidence) tuple; every edge referencing the loser is rewritten in place
// with a {from, to} entry appended to its metadata redirects, and the loser
// is removed. A non-positive threshold uses DefaultDedupThreshold.
func (g *Graph) DeduplicateEmbeddings(threshold float64) []MergedPair {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	var seen []Node
	var merged []MergedPair
	for _, node := range g.Nodes("") {
		if len(node.Embedding) == 0 {
			continue
		}
		matchIdx := -1
		for i, candidate := range seen {
			if len(candidate.Embedding) == 0 {
				continue
			}
			if cosineSimilarity(candidate.Embedding, node.Embedding) >= threshold {
				matchIdx = i
				break
			}
		}
		if matchIdx < 0 {
			seen = append(seen, node)
			continue
		}
		canonical, duplicate := selectCanonical(seen[matchIdx], node)
		merged = append(merged, MergedPair{Canonical: canonical.ID, Duplicate: duplicate.ID})
		g.redirectEdges(duplicate.ID, canonical.ID)
		g.removeNode(duplicate.ID)
		seen[matchIdx] = canonical
	}
	return merged
}

// selectCanonical keeps the node whose (long_term, confidence) tuple is
// maximal; ties keep the first node.
func selectCanonical(first, second Node) (canonical, duplicate Node) {
	firstRank := 0
	if first.Memory == MemoryLongTerm {
		firstRank = 1
	}
	secondRank := 0
	if second.Memory == MemoryLongTerm {
		secondRank = 1
	}
	if secondRank > firstRank || (secondRank == firstRank && second.Confidence > first.Confidence) {
		return second, first
	}
	return first, second
}

// redirectEdges rewrites every edge endpoint pointing at old to point at new,
// recording the redirect in edge metadata.
func (g *Graph) redirectEdges(old, new string) {
	changed := false
	for _, store := range []*[]Edge{&g.operationalEdges, &g.longTermEdges} {
		for i, edge := range *store {
			if edge.Source != old && edge.Target != old {
				continue
			}
			metadata := copyMetadata(edge.Metadata)
			redirects, _ := metadata["redirects"].([]any)
			metadata["redirects"] = append(redirects, map[string]any{"from": old, "to": new})
			if edge.Source == old {
				edge.Source = new
			}
			if edge.Target == old {
				edge.Target = new
			}
			edge.Metadata = metadata
			(*store)[i] = edge
			changed = true
		}
	}
	if changed {
		g.bumpRevision()
	}
}

func cosineSimilarity(left, right []float64) float64 {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}
	var dot, leftNorm, rightNorm float64
	for i := 0; i < n; i++ {
		dot += left[i] * right[i]
	}
	for _, v := range left {
		leftNorm += v * v
	}
	for _, v := range right {
		rightNorm += v * v
	}
	if leftNorm == 0 || rightNorm == 0 {
		return 0
	}
	return dot / (math.Sqrt(leftNorm) * math.Sqrt(rightNorm))
}
