package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kolibri/internal/skills"
)

func testManifests() []skills.Manifest {
	return []skills.Manifest{
		{
			Name:        "research",
			Version:     "1.0.0",
			Inputs:      []string{"topic"},
			Permissions: []string{"net.fetch:read"},
			Billing:     "free",
			Entry:       "skills/research.py",
		},
		{
			Name:        "writer",
			Version:     "1.0.0",
			Inputs:      []string{"draft"},
			Permissions: []string{"fs.docs:write"},
			Billing:     "free",
			Entry:       "skills/writer.py",
		},
		{
			Name:        "analyst",
			Version:     "1.0.0",
			Inputs:      []string{"data"},
			Permissions: []string{"fs.data:read"},
			Billing:     "free",
			Entry:       "skills/analyst.py",
		},
	}
}

func TestPlanLinearChain(t *testing.T) {
	p := New()
	p.RegisterSkills(testManifests())

	plan := p.Plan("Research the topic. Draft the report. Analyse the data.", nil)
	require.Len(t, plan.Steps, 3)

	assert.Empty(t, plan.Steps[0].Dependencies)
	assert.Equal(t, []string{plan.Steps[0].ID}, plan.Steps[1].Dependencies)
	assert.Equal(t, []string{plan.Steps[1].ID}, plan.Steps[2].Dependencies)

	assert.Equal(t, "research", plan.Steps[0].Skill)
	assert.Equal(t, "writer", plan.Steps[1].Skill)
	assert.Equal(t, "analyst", plan.Steps[2].Skill)
}

func TestPlanStepIDsUnique(t *testing.T) {
	p := New()
	p.RegisterSkills(testManifests())

	plan := p.Plan("Research the topic. Research the topic again.", nil)
	require.Len(t, plan.Steps, 2)
	assert.NotEqual(t, plan.Steps[0].ID, plan.Steps[1].ID)
}

func TestPlanOrderHintChain(t *testing.T) {
	p := New()
	p.RegisterSkills(testManifests())

	goal := "Analyse the data. Draft the report. Research the topic."
	plan := p.Plan(goal, []string{"research -> writer -> analyst"})
	require.Len(t, plan.Steps, 3)

	byID := make(map[string]PlanStep, len(plan.Steps))
	bySkill := make(map[string]PlanStep, len(plan.Steps))
	for _, step := range plan.Steps {
		byID[step.ID] = step
		bySkill[step.Skill] = step
	}

	// writer must depend on research and analyst on writer, directly or
	// through intermediate steps.
	assert.True(t, dependsOn(byID, bySkill["writer"], bySkill["research"].ID))
	assert.True(t, dependsOn(byID, bySkill["analyst"], bySkill["writer"].ID))
}

func dependsOn(byID map[string]PlanStep, step PlanStep, target string) bool {
	seen := map[string]bool{}
	queue := append([]string(nil), step.Dependencies...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if dep, ok := byID[id]; ok {
			queue = append(queue, dep.Dependencies...)
		}
	}
	return false
}

func TestPlanNameHintsRestrictMatching(t *testing.T) {
	p := New()
	p.RegisterSkills(testManifests())

	plan := p.Plan("Do something unrelated", []string{"writer"})
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "writer", plan.Steps[0].Skill)

	plan = p.Plan("Do something unrelated", []string{"nonexistent"})
	require.Len(t, plan.Steps, 1)
	assert.Empty(t, plan.Steps[0].Skill)
}

func TestPlanAssignsAgents(t *testing.T) {
	p := New()
	p.RegisterSkills(testManifests())

	plan := p.Plan("Draft the report with the writer.", nil)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "writer", plan.Steps[0].Skill)
	assert.Equal(t, "writer_agent", plan.Steps[0].Agent)
}

func TestRiskAssessorScoring(t *testing.T) {
	var assessor RiskAssessor

	calm := assessor.Assess("summarize notes", nil)
	risky := assessor.Assess("deploy the critical release", []string{"a", "b"})

	assert.Greater(t, risky.Score(), calm.Score())
	assert.Equal(t, "checkpoint_review", calm.Mitigation)

	review := assessor.Assess("review the code changes", nil)
	assert.Equal(t, "peer_review", review.Mitigation)
}

func TestAgentCoordinatorBalancesLoad(t *testing.T) {
	c := NewAgentCoordinator(map[string]AgentProfile{
		"alpha": {Skills: []string{"research"}, Capacity: 2},
		"beta":  {Skills: []string{"research"}, Capacity: 2},
	})

	first := c.ChooseAgent("research")
	second := c.ChooseAgent("research")
	assert.NotEqual(t, first, second)
	assert.Empty(t, c.ChooseAgent("unknown"))
}

func TestMissionLibraryMatch(t *testing.T) {
	m := NewMissionLibrary()
	m.Register("market_scan", map[string]any{"keywords": []string{"market", "scan"}})
	m.Register("report", map[string]any{"keywords": []string{"report"}})

	assert.Equal(t, "market_scan", m.Match("run a market scan for widgets"))
	assert.Equal(t, "", m.Match("completely unrelated"))

	template, ok := m.Get("report")
	require.True(t, ok)
	assert.Equal(t, []string{"report"}, template["keywords"])
}

func TestHierarchy(t *testing.T) {
	p := New()
	p.RegisterSkills(testManifests())

	plan := p.Plan("Research the topic. Draft the report.", nil)
	tree := Hierarchy(plan)
	assert.Equal(t, "root", tree.ID)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, plan.Steps[0].ID, tree.Children[0].ID)
}
