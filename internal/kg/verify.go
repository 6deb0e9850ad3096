package kg

import (
	"regexp"
	"sort"
	"strings"
)

// Critic scores a node in [0,1].
type Critic func(Node) float64

// Authority verifies a node against external evidence, returning a score and
// free-form details.
type Authority func(Node) (float64, map[string]any)

// VerificationResult is one critic's or authority's judgement of one node.
type VerificationResult struct {
	NodeID     string         `json:"node_id"`
	Critic     string         `json:"critic"`
	Score      float64        `json:"score"`
	Provenance string         `json:"provenance"`
	Details    map[string]any `json:"details,omitempty"`
}

type verificationCache struct {
	revision int
	results  []VerificationResult
}

// RegisterCritic installs a named critic. Registration invalidates the
// verification cache.
func (g *Graph) RegisterCritic(name string, critic Critic) {
	g.critics[name] = critic
	g.invalidateVerificationCache()
}

// RegisterAuthority installs a named external-evidence verifier.
func (g *Graph) RegisterAuthority(name string, authority Authority) {
	g.authorities[name] = authority
	g.invalidateVerificationCache()
}

// VerifyWithCritics runs every registered critic and authority, plus any
// extras, against every node. Calls without extras are served from a cache
// keyed on the revision counter. Aggregated scores land in each node's
// metadata as verification_score and verification_sources.
func (g *Graph) VerifyWithCritics(extraCritics map[string]Critic, extraAuthorities map[string]Authority) []VerificationResult {
	useCache := len(extraCritics) == 0 && len(extraAuthorities) == 0
	if useCache && g.verificationCache != nil && g.verificationCache.revision == g.revision {
		return append([]VerificationResult(nil), g.verificationCache.results...)
	}

	criticPool := make(map[string]Critic, len(g.critics)+len(extraCritics))
	for name, critic := range g.critics {
		criticPool[name] = critic
	}
	for name, critic := range extraCritics {
		criticPool[name] = critic
	}
	authorityPool := make(map[string]Authority, len(g.authorities)+len(extraAuthorities))
	for name, authority := range g.authorities {
		authorityPool[name] = authority
	}
	for name, authority := range extraAuthorities {
		authorityPool[name] = authority
	}

	results := g.executeVerification(criticPool, authorityPool)
	if useCache {
		g.verificationCache = &verificationCache{
			revision: g.revision,
			results:  append([]VerificationResult(nil), results...),
		}
	}
	g.recordVerification(results)
	return results
}

func (g *Graph) executeVerification(critics map[string]Critic, authorities map[string]Authority) []VerificationResult {
	var results []VerificationResult
	for _, name := range sortedKeys(critics) {
		critic := critics[name]
		for _, node := range g.Nodes("") {
			results = append(results, VerificationResult{
				NodeID:     node.ID,
				Critic:     name,
				Score:      critic(node),
				Provenance: "critic",
			})
		}
	}
	for _, name := range sortedKeys(authorities) {
		authority := authorities[name]
		for _, node := range g.Nodes("") {
			score, details := authority(node)
			results = append(results, VerificationResult{
				NodeID:     node.ID,
				Critic:     name,
				Score:      score,
				Provenance: "authority",
				Details:    details,
			})
		}
	}
	return results
}

// recordVerification writes per-node aggregates into node metadata. The
// metadata write bypasses the revision bump so cached verification stays
// valid for the revision it was computed against.
func (g *Graph) recordVerification(results []VerificationResult) {
	scores := make(map[string][]float64)
	provenance := make(map[string][]string)
	for _, result := range results {
		scores[result.NodeID] = append(scores[result.NodeID], result.Score)
		provenance[result.NodeID] = append(provenance[result.NodeID], result.Provenance)
	}
	for nodeID, values := range scores {
		node, ok := g.GetNode(nodeID)
		if !ok {
			continue
		}
		total := 0.0
		for _, v := range values {
			total += v
		}
		metadata := copyMetadata(node.Metadata)
		metadata["verification_score"] = total / float64(len(values))
		metadata["verification_sources"] = append([]string(nil), provenance[nodeID]...)
		node.Metadata = metadata
		g.replaceNode(node)
		g.notify("node_updated", map[string]any{"node": node})
	}
}

func (g *Graph) invalidateVerificationCache() {
	g.verificationCache = nil
}

// LoadCriticsFromConfig builds critics from declarative specs. A numeric
// spec is a confidence threshold, a string or string list is keyword
// presence, and a map selects the type explicitly (confidence_threshold,
// keyword_presence, regex).
func (g *Graph) LoadCriticsFromConfig(specs map[string]any) {
	for _, name := range sortedAnyKeys(specs) {
		if critic := buildConfiguredCritic(name, specs[name]); critic != nil {
			g.RegisterCritic(name, critic)
		}
	}
}

func buildConfiguredCritic(name string, spec any) Critic {
	switch v := spec.(type) {
	case float64:
		return confidenceThresholdCritic(v, 0.15)
	case int:
		return confidenceThresholdCritic(float64(v), 0.15)
	case string:
		return keywordPresenceCritic([]string{v})
	case []any:
		keywords := make([]string, 0, len(v))
		for _, item := range v {
			keywords = append(keywords, anyToString(item))
		}
		return keywordPresenceCritic(keywords)
	case []string:
		return keywordPresenceCritic(v)
	case map[string]any:
		criticType := strings.ToLower(anyToString(v["type"]))
		if criticType == "" {
			criticType = "confidence_threshold"
		}
		switch criticType {
		case "confidence_threshold":
			threshold := 0.6
			if t, ok := toFloat(v["threshold"]); ok {
				threshold = t
			}
			window := 0.15
			if w, ok := toFloat(v["window"]); ok {
				window = w
			}
			return confidenceThresholdCritic(threshold, window)
		case "keyword_presence":
			if keywords, ok := toStringSlice(v["keywords"]); ok {
				return keywordPresenceCritic(keywords)
			}
			if pattern, ok := v["pattern"].(string); ok {
				return keywordPresenceCritic([]string{pattern})
			}
		case "regex":
			pattern := name
			if p, ok := v["pattern"].(string); ok {
				pattern = p
			}
			return regexCritic(pattern)
		}
	}
	return nil
}

func confidenceThresholdCritic(threshold, window float64) Critic {
	upper := clamp01(threshold)
	ramp := maxFloat(1e-6, window)
	return func(node Node) float64 {
		confidence := node.Confidence
		if confidence >= upper {
			return 1.0
		}
		lower := maxFloat(0, upper-ramp)
		if confidence <= lower {
			return maxFloat(0, confidence/maxFloat(upper, 1e-6))
		}
		span := maxFloat(upper-lower, 1e-6)
		return clamp01((confidence - lower) / span)
	}
}

func keywordPresenceCritic(keywords []string) Critic {
	terms := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		if keyword != "" {
			terms = append(terms, strings.ToLower(keyword))
		}
	}
	if len(terms) == 0 {
		return func(Node) float64 { return 1.0 }
	}
	return func(node Node) float64 {
		text := strings.ToLower(node.Text)
		matches := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matches++
			}
		}
		return float64(matches) / float64(len(terms))
	}
}

func regexCritic(pattern string) Critic {
	compiled, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return func(Node) float64 { return 0.0 }
	}
	return func(node Node) float64 {
		if compiled.MatchString(node.Text) {
			return 1.0
		}
		return 0.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAnyKeys(m map[string]any) []string {
	return sortedKeys(m)
}

func anyToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
