package planner

import (
	"sort"
	"strings"
)

// RiskAssessment is a light-touch risk estimate for one plan step.
type RiskAssessment struct {
	Likelihood float64
	Impact     float64
	Mitigation string
}

// Score is the clamped likelihood-impact product.
func (r RiskAssessment) Score() float64 {
	score := r.Likelihood * r.Impact
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// RiskAssessor derives risk estimates from step semantics.
type RiskAssessor struct{}

var riskyTerms = map[string]struct{}{
	"integrate":  {},
	"deploy":     {},
	"compliance": {},
	"legal":      {},
}

// Assess scores a step description: likelihood grows with dependency count
// and risky terms, impact with length and criticality markers.
func (RiskAssessor) Assess(description string, dependencies []string) RiskAssessment {
	tokens := strings.Fields(strings.ToLower(description))
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = struct{}{}
	}

	likelihood := 0.25 + 0.1*float64(len(dependencies))
	for term := range riskyTerms {
		if _, ok := tokenSet[term]; ok {
			likelihood += 0.3
			break
		}
	}
	impact := 0.3 + 0.02*float64(len(tokens))
	if _, critical := tokenSet["critical"]; critical {
		impact += 0.4
	} else if _, deadline := tokenSet["deadline"]; deadline {
		impact += 0.4
	}
	mitigation := "checkpoint_review"
	if _, code := tokenSet["code"]; code {
		mitigation = "peer_review"
	}
	if likelihood > 1 {
		likelihood = 1
	}
	if impact > 1 {
		impact = 1
	}
	return RiskAssessment{Likelihood: likelihood, Impact: impact, Mitigation: mitigation}
}

// AgentProfile describes one subagent's capabilities.
type AgentProfile struct {
	Skills   []string
	Capacity int
}

// AgentCoordinator allocates subagents, tracking utilization so repeated
// assignments spread across the roster.
type AgentCoordinator struct {
	registry map[string]AgentProfile
	load     map[string]float64
}

// NewAgentCoordinator builds a coordinator over an initial roster.
func NewAgentCoordinator(registry map[string]AgentProfile) *AgentCoordinator {
	c := &AgentCoordinator{
		registry: make(map[string]AgentProfile, len(registry)),
		load:     make(map[string]float64, len(registry)),
	}
	for name, profile := range registry {
		c.registry[name] = profile
		c.load[name] = 0
	}
	return c
}

// Register adds or replaces an agent profile.
func (c *AgentCoordinator) Register(name string, profile AgentProfile) {
	c.registry[name] = profile
	if _, ok := c.load[name]; !ok {
		c.load[name] = 0
	}
}

// ChooseAgent picks the least-loaded agent that lists the skill, or empty
// when none qualifies.
func (c *AgentCoordinator) ChooseAgent(skill string) string {
	if skill == "" || len(c.registry) == 0 {
		return ""
	}
	var candidates []string
	for name, profile := range c.registry {
		for _, s := range profile.Skills {
			if s == skill {
				candidates = append(candidates, name)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	best := candidates[0]
	for _, name := range candidates[1:] {
		if c.load[name] < c.load[best] {
			best = name
		}
	}
	c.load[best]++
	return best
}

// MissionLibrary stores parametric mission templates keyed by name.
type MissionLibrary struct {
	templates map[string]map[string]any
}

// NewMissionLibrary returns an empty library.
func NewMissionLibrary() *MissionLibrary {
	return &MissionLibrary{templates: make(map[string]map[string]any)}
}

// Register adds a template under name.
func (m *MissionLibrary) Register(name string, template map[string]any) {
	m.templates[name] = template
}

// Get returns a copy of the named template.
func (m *MissionLibrary) Get(name string) (map[string]any, bool) {
	template, ok := m.templates[name]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(template))
	for k, v := range template {
		out[k] = v
	}
	return out, true
}

// Match returns the template whose keywords best cover the goal, or empty
// when nothing matches.
func (m *MissionLibrary) Match(goal string) string {
	goalLower := strings.ToLower(goal)
	bestScore := 0
	best := ""
	names := make([]string, 0, len(m.templates))
	for name := range m.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		keywords, _ := m.templates[name]["keywords"].([]string)
		score := 0
		for _, keyword := range keywords {
			if strings.Contains(goalLower, keyword) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	return best
}
