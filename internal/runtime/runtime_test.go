package runtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kolibri/internal/journal"
	"kolibri/internal/kg"
	"kolibri/internal/learning"
	"kolibri/internal/personalization"
	"kolibri/internal/privacy"
	"kolibri/internal/rag"
	"kolibri/internal/sandbox"
	"kolibri/internal/skills"
)

func researchManifest() skills.Manifest {
	return skills.Manifest{
		Name:        "research",
		Version:     "1.0.0",
		Inputs:      []string{"topic"},
		Permissions: []string{"net.fetch:read"},
		Billing:     "free",
		Policy:      map[string]string{},
		Entry:       "skills/research.py",
	}
}

func newTestRuntime(t *testing.T, opts ...RuntimeOption) (*Runtime, *journal.Journal) {
	t.Helper()
	j := journal.New()
	op := privacy.NewOperator()
	op.Grant("ana", []string{"text", "audio", "image"})
	sb := sandbox.New(j)
	sb.Register("research", sandbox.ExecutorFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"summary": "done", "goal": payload["goal"]}, nil
	}), skills.Quota{})

	base := []RuntimeOption{
		WithJournal(j),
		WithPrivacy(op),
		WithSandbox(sb),
	}
	r := New(append(base, opts...)...)
	require.NoError(t, r.RegisterSkills([]skills.Manifest{researchManifest()}))
	return r, j
}

func journalEvents(j *journal.Journal) map[string]int {
	events := make(map[string]int)
	for _, entry := range j.Entries() {
		events[entry.Event]++
	}
	return events
}

func TestProcessExecutesPlan(t *testing.T) {
	r, j := newTestRuntime(t)

	response, err := r.Process(context.Background(), Request{
		UserID:      "ana",
		Goal:        "Research the topic",
		Modalities:  map[string]any{"text": "Research the topic"},
		SkillScopes: []string{"net.fetch:read"},
	})
	require.NoError(t, err)
	require.Len(t, response.Executions, 1)
	assert.Equal(t, "ok", response.Executions[0].Output["status"])
	assert.False(t, response.Cached)
	assert.NotEmpty(t, response.Metrics)

	events := journalEvents(j)
	for _, event := range []string{"privacy", "fusion", "plan", "rag_answer", "skill_executed", "empathy", "slo_snapshot"} {
		assert.Contains(t, events, event, event)
	}
	assert.True(t, j.Verify())
}

func TestProcessBlocksUngrantedModalities(t *testing.T) {
	r, j := newTestRuntime(t)

	response, err := r.Process(context.Background(), Request{
		UserID:      "stranger",
		Goal:        "Research the topic",
		Modalities:  map[string]any{"text": "Research the topic"},
		SkillScopes: []string{"net.fetch:read"},
	})
	require.NoError(t, err)
	// No consent means no transcript, so the answer falls back to the goal.
	assert.Equal(t, "Research the topic", response.Answer.Query)

	var privacyEntry *journal.Entry
	for _, entry := range j.Entries() {
		if entry.Event == "privacy" {
			e := entry
			privacyEntry = &e
			break
		}
	}
	require.NotNil(t, privacyEntry)
	assert.Equal(t, []any{"text"}, privacyEntry.Payload["blocked"])
}

func TestProcessMissingScopesBlocksSkill(t *testing.T) {
	r, j := newTestRuntime(t)

	response, err := r.Process(context.Background(), Request{
		UserID:     "ana",
		Goal:       "Research the topic",
		Modalities: map[string]any{"text": "Research the topic"},
	})
	require.NoError(t, err)
	require.Len(t, response.Executions, 1)
	assert.Equal(t, "policy_blocked", response.Executions[0].Output["status"])
	assert.Contains(t, journalEvents(j), "skill_policy_blocked")
}

func TestProcessPolicyTagBlocksSkill(t *testing.T) {
	manifest := researchManifest()
	manifest.Policy = map[string]string{"medical": "deny"}

	j := journal.New()
	op := privacy.NewOperator()
	op.Grant("ana", []string{"text"})
	r := New(WithJournal(j), WithPrivacy(op))
	require.NoError(t, r.RegisterSkills([]skills.Manifest{manifest}))

	response, err := r.Process(context.Background(), Request{
		UserID:      "ana",
		Goal:        "Research the topic",
		Modalities:  map[string]any{"text": "Research the topic"},
		DataTags:    []string{"medical"},
		SkillScopes: []string{"net.fetch:read"},
	})
	require.NoError(t, err)
	require.Len(t, response.Executions, 1)
	assert.Equal(t, "policy_blocked", response.Executions[0].Output["status"])
	assert.Equal(t, "medical", response.Executions[0].Output["policy"])
	assert.False(t, response.Cached)
	assert.Contains(t, journalEvents(j), "skill_policy_blocked")
}

func TestProcessSkipsUnmappedSteps(t *testing.T) {
	j := journal.New()
	op := privacy.NewOperator()
	op.Grant("ana", []string{"text"})
	r := New(WithJournal(j), WithPrivacy(op))

	response, err := r.Process(context.Background(), Request{
		UserID:     "ana",
		Goal:       "Do something with no skills registered",
		Modalities: map[string]any{"text": "hello"},
	})
	require.NoError(t, err)
	require.Len(t, response.Executions, 1)
	assert.Equal(t, "skipped", response.Executions[0].Output["status"])
	assert.Contains(t, journalEvents(j), "skill_skipped")
}

func TestOfflineCacheShortCircuits(t *testing.T) {
	cache := rag.NewOfflineCache(0)
	r, j := newTestRuntime(t, WithOfflineCache(cache))

	request := Request{
		UserID:      "ana",
		Goal:        "Research the topic",
		Modalities:  map[string]any{"text": "Research the topic"},
		SkillScopes: []string{"net.fetch:read"},
		Empathy:     personalization.EmpathyContext{Sentiment: 0.8, Urgency: 0.1, Energy: 0.5},
	}
	first, err := r.Process(context.Background(), request)
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Contains(t, journalEvents(j), "cache_store")
	require.NotZero(t, first.Adjustments.Tone)

	second, err := r.Process(context.Background(), request)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, len(first.Plan.Steps), len(second.Plan.Steps))
	assert.Equal(t, first.Answer.Summary, second.Answer.Summary)
	assert.Equal(t, first.Adjustments, second.Adjustments)
	assert.Contains(t, journalEvents(j), "cache_hit")
}

func TestSelfLearningRunsAfterExecution(t *testing.T) {
	learner := learning.New()
	r, j := newTestRuntime(t, WithSelfLearner(learner))

	_, err := r.Process(context.Background(), Request{
		UserID:      "ana",
		Goal:        "Research the topic",
		Modalities:  map[string]any{"text": "Research the topic"},
		SkillScopes: []string{"net.fetch:read"},
	})
	require.NoError(t, err)
	assert.Contains(t, journalEvents(j), "self_learning")
	assert.NotEmpty(t, learner.DriftScores())
}

func TestSessionLifecyclePersistsGraph(t *testing.T) {
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "s1.kg.jsonl")

	graph := kg.NewGraph()
	r, j := newTestRuntime(t, WithGraph(graph))
	require.NoError(t, r.StartSession("s1", graphPath))
	graph.AddNode(kg.Node{ID: "fact", Type: "claim", Text: "kolibri runs on device", Confidence: 0.9})
	require.NoError(t, r.EndSession())

	events := journalEvents(j)
	assert.Contains(t, events, "session_started")
	assert.Contains(t, events, "session_finished")

	restoredGraph := kg.NewGraph()
	restored, _ := newTestRuntime(t, WithGraph(restoredGraph))
	require.NoError(t, restored.StartSession("s1", graphPath))
	assert.Equal(t, 1, restoredGraph.Len())
}

func TestAnswerUsesGraphFacts(t *testing.T) {
	graph := kg.NewGraph()
	r, _ := newTestRuntime(t, WithGraph(graph))
	graph.AddNode(kg.Node{
		ID:         "hummingbird",
		Type:       "claim",
		Text:       "hummingbirds hover by rotating their wings",
		Confidence: 0.9,
		Sources:    []string{"guide"},
	})

	response, err := r.Process(context.Background(), Request{
		UserID:     "ana",
		Goal:       "hummingbirds hover",
		Modalities: map[string]any{"text": "hummingbirds hover"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, response.Answer.Support)
	assert.Equal(t, "hummingbird", response.Answer.Support[0].ID)
}

func TestMKSIAggregatorScoresRuntime(t *testing.T) {
	aggregator := NewMKSIAggregator()
	report := aggregator.Observe(MKSIObservation{
		Modalities: []string{"text", "image"},
		PlanSteps:  2,
		Executions: []SkillExecution{
			{StepID: "a", Skill: "research", Output: map[string]any{"status": "ok"}},
			{StepID: "b", Skill: "research", Output: map[string]any{"status": "ok"}},
		},
		ReasoningSteps: 4,
	})
	assert.Greater(t, report.Current.MKSI(), 0.5)

	degradedReport := aggregator.Observe(MKSIObservation{
		PlanSteps: 2,
		Executions: []SkillExecution{
			{StepID: "a", Output: map[string]any{"status": "error"}},
			{StepID: "b", Output: map[string]any{"status": "missing"}},
		},
		ReasoningSteps: 1,
	})
	assert.Less(t, degradedReport.Current.Parsimony, report.Current.Parsimony)
	assert.Equal(t, degradedReport.Rolling, aggregator.Report().Rolling)
}

func TestSubscribeChainStreamsEntries(t *testing.T) {
	r, _ := newTestRuntime(t)
	sub := r.SubscribeChain()
	defer sub.Close()

	require.NoError(t, r.StartSession("s1", filepath.Join(t.TempDir(), "s1.kg.jsonl")))

	entry := <-sub.C()
	assert.Equal(t, "session_started", entry.Event)
}

func TestSubscribeSessionDeliversOneSession(t *testing.T) {
	r, _ := newTestRuntime(t)
	dir := t.TempDir()

	sub := r.SubscribeSession("wanted")

	require.NoError(t, r.StartSession("other", filepath.Join(dir, "other.kg.jsonl")))
	require.NoError(t, r.EndSession())

	require.NoError(t, r.StartSession("wanted", filepath.Join(dir, "wanted.kg.jsonl")))
	r.Journal().Append("plan", map[string]any{"goal": "g"})
	require.NoError(t, r.EndSession())

	var events []string
	for entry := range sub.C() {
		events = append(events, entry.Event)
	}
	assert.Equal(t, []string{"session_started", "plan", "session_finished"}, events)
}
