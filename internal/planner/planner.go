// Package planner decomposes free-text goals into skill-mapped plan steps
// with risk estimates, agent assignments and mission template matching.
package planner

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kolibri/internal/skills"
)

// PlanStep is a single action in a decomposed goal.
type PlanStep struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Skill        string         `json:"skill,omitempty"`
	Dependencies []string       `json:"dependencies"`
	Risk         float64        `json:"risk"`
	Agent        string         `json:"agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Plan is an ordered list of steps toward a goal.
type Plan struct {
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps"`
	RiskScore float64    `json:"risk_score"`
	Horizon   string     `json:"horizon,omitempty"`
	Versions  []string   `json:"versions,omitempty"`
}

// Planner maps goal sentences onto registered skills and chains the
// resulting steps.
type Planner struct {
	skills      map[string]skills.Manifest
	risk        *RiskAssessor
	coordinator *AgentCoordinator
	Missions    *MissionLibrary
}

// New builds a planner with the default agent roster.
func New() *Planner {
	return &Planner{
		skills: make(map[string]skills.Manifest),
		risk:   &RiskAssessor{},
		coordinator: NewAgentCoordinator(map[string]AgentProfile{
			"writer_agent":  {Skills: []string{"writer"}, Capacity: 3},
			"analyst_agent": {Skills: []string{"analyst", "research"}, Capacity: 2},
		}),
		Missions: NewMissionLibrary(),
	}
}

// RegisterSkills adds manifests to the skill catalogue used for matching.
func (p *Planner) RegisterSkills(manifests []skills.Manifest) {
	for _, manifest := range manifests {
		p.skills[manifest.Name] = manifest
	}
}

// Plan splits the goal into sentences, maps each onto its best-matching
// skill and chains the steps linearly. Hints of the form "a -> b" impose an
// additional partial order between the steps assigned to those skills; other
// hints restrict skill matching to the hinted names.
func (p *Planner) Plan(goal string, hints []string) Plan {
	sentences := splitGoal(goal)
	orderHints, nameHints := partitionHints(hints)

	var steps []PlanStep
	for index, sentence := range sentences {
		skill := p.matchSkill(sentence, nameHints)
		stepID := fmt.Sprintf("step-%d-%s", index+1, shortID())
		var dependencies []string
		if len(steps) > 0 {
			dependencies = []string{steps[len(steps)-1].ID}
		}
		assessment := p.risk.Assess(sentence, dependencies)
		steps = append(steps, PlanStep{
			ID:           stepID,
			Description:  sentence,
			Skill:        skill,
			Dependencies: dependencies,
			Risk:         assessment.Score(),
			Agent:        p.coordinator.ChooseAgent(skill),
			Metadata:     map[string]any{"mitigation": assessment.Mitigation},
		})
	}
	applyOrderHints(steps, orderHints)

	var riskScore float64
	if len(steps) > 0 {
		for _, step := range steps {
			riskScore += step.Risk
		}
		riskScore /= float64(len(steps))
	}
	var versions []string
	if mission := p.Missions.Match(goal); mission != "" {
		versions = []string{mission}
	}
	return Plan{Goal: goal, Steps: steps, RiskScore: riskScore, Versions: versions}
}

// matchSkill picks the registered skill with the highest token overlap
// between its (name, inputs, permissions) and the sentence.
func (p *Planner) matchSkill(sentence string, nameHints map[string]struct{}) string {
	var candidates []skills.Manifest
	if len(nameHints) > 0 {
		for _, manifest := range p.skills {
			if _, hinted := nameHints[strings.ToLower(manifest.Name)]; hinted {
				candidates = append(candidates, manifest)
			}
		}
		if len(candidates) == 0 {
			return ""
		}
		best := candidates[0]
		for _, candidate := range candidates[1:] {
			if candidate.Name < best.Name {
				best = candidate
			}
		}
		return best.Name
	}
	for _, manifest := range p.skills {
		candidates = append(candidates, manifest)
	}

	sentenceLower := strings.ToLower(sentence)
	bestScore := -1
	best := ""
	for _, manifest := range candidates {
		keywords := make([]string, 0, 1+len(manifest.Inputs)+len(manifest.Permissions))
		keywords = append(keywords, manifest.Name)
		keywords = append(keywords, manifest.Inputs...)
		keywords = append(keywords, manifest.Permissions...)
		score := 0
		for _, keyword := range keywords {
			if keyword != "" && strings.Contains(sentenceLower, strings.ToLower(keyword)) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && (best == "" || manifest.Name < best)) {
			bestScore = score
			best = manifest.Name
		}
	}
	return best
}

// partitionHints separates "a -> b" ordering hints from plain skill-name
// hints.
func partitionHints(hints []string) (orders [][]string, names map[string]struct{}) {
	names = make(map[string]struct{})
	for _, hint := range hints {
		if strings.Contains(hint, "->") {
			var sequence []string
			for _, part := range strings.Split(hint, "->") {
				if trimmed := strings.TrimSpace(strings.ToLower(part)); trimmed != "" {
					sequence = append(sequence, trimmed)
				}
			}
			if len(sequence) > 1 {
				orders = append(orders, sequence)
			}
			continue
		}
		if trimmed := strings.TrimSpace(strings.ToLower(hint)); trimmed != "" {
			names[trimmed] = struct{}{}
		}
	}
	return orders, names
}

// applyOrderHints adds dependencies so each hinted successor depends on its
// hinted predecessor's step.
func applyOrderHints(steps []PlanStep, orders [][]string) {
	bySkill := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.Skill != "" {
			key := strings.ToLower(step.Skill)
			if _, taken := bySkill[key]; !taken {
				bySkill[key] = i
			}
		}
	}
	for _, sequence := range orders {
		for i := 1; i < len(sequence); i++ {
			from, okFrom := bySkill[sequence[i-1]]
			to, okTo := bySkill[sequence[i]]
			if !okFrom || !okTo || from == to {
				continue
			}
			if !containsString(steps[to].Dependencies, steps[from].ID) {
				steps[to].Dependencies = append(steps[to].Dependencies, steps[from].ID)
			}
		}
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func splitGoal(goal string) []string {
	flattened := strings.ReplaceAll(goal, "\n", " ")
	var sentences []string
	for _, part := range strings.Split(flattened, ".") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}
	if len(sentences) == 0 {
		if trimmed := strings.TrimSpace(goal); trimmed != "" {
			sentences = []string{trimmed}
		}
	}
	return sentences
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
