// Package runtime stitches the Kolibri subsystems into the per-request
// pipeline: privacy filtering, encoding, fusion, planning, retrieval, skill
// execution, empathy modulation and background learning, with every stage
// timed and journaled.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"kolibri/internal/encoder"
	"kolibri/internal/iot"
	"kolibri/internal/journal"
	"kolibri/internal/kg"
	"kolibri/internal/learning"
	"kolibri/internal/logging"
	"kolibri/internal/metrics"
	"kolibri/internal/personalization"
	"kolibri/internal/planner"
	"kolibri/internal/privacy"
	"kolibri/internal/rag"
	"kolibri/internal/sandbox"
	"kolibri/internal/skills"
)

// Request is one user interaction handed to the runtime.
type Request struct {
	UserID      string
	Goal        string
	Modalities  map[string]any
	Hints       []string
	Signals     []personalization.InteractionSignal
	Empathy     personalization.EmpathyContext
	DataTags    []string
	SkillScopes []string
	TopK        int
}

// SkillExecution captures the outcome of one plan step.
type SkillExecution struct {
	StepID string         `json:"step_id"`
	Skill  string         `json:"skill,omitempty"`
	Output map[string]any `json:"output"`
}

// Response bundles everything produced for a request.
type Response struct {
	Plan        planner.Plan
	Answer      rag.Answer
	Adjustments personalization.Adjustments
	Executions  []SkillExecution
	Reasoning   *ReasoningLog
	JournalTail []journal.Entry
	Cached      bool
	Metrics     map[string]metrics.Snapshot
}

// Runtime coordinates encoding, planning, retrieval, skills and empathy.
type Runtime struct {
	graph        *kg.Graph
	textEncoder  *encoder.TextEncoder
	asr          encoder.ASREncoder
	imageEncoder *encoder.ImageEncoder
	fusion       *encoder.FusionTransformer
	planner      *planner.Planner
	store        *skills.Store
	sandbox      *sandbox.Sandbox
	privacy      *privacy.Operator
	profiler     *personalization.OnDeviceProfiler
	empathy      *personalization.EmpathyModulator
	offline      *rag.OfflineCache
	answers      *rag.AnswerCache
	monitor      *rag.CacheMonitor
	pipeline     *rag.Pipeline
	journal      *journal.Journal
	slo          *metrics.Tracker
	learner      *learning.SelfLearner
	bridge       *iot.Bridge
	sensorHub    *encoder.SensorHub
	mksi         *MKSIAggregator
	log          *zap.Logger

	sessionID string
	graphPath string
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithGraph injects the knowledge graph.
func WithGraph(graph *kg.Graph) RuntimeOption {
	return func(r *Runtime) { r.graph = graph }
}

// WithJournal injects the action journal shared across subsystems.
func WithJournal(j *journal.Journal) RuntimeOption {
	return func(r *Runtime) { r.journal = j }
}

// WithSkillStore injects the manifest store.
func WithSkillStore(store *skills.Store) RuntimeOption {
	return func(r *Runtime) { r.store = store }
}

// WithSandbox injects the skill sandbox.
func WithSandbox(sb *sandbox.Sandbox) RuntimeOption {
	return func(r *Runtime) { r.sandbox = sb }
}

// WithPrivacy injects the consent operator.
func WithPrivacy(op *privacy.Operator) RuntimeOption {
	return func(r *Runtime) { r.privacy = op }
}

// WithOfflineCache enables offline response caching.
func WithOfflineCache(cache *rag.OfflineCache) RuntimeOption {
	return func(r *Runtime) { r.offline = cache }
}

// WithAnswerCache overrides the RAG answer cache.
func WithAnswerCache(cache *rag.AnswerCache) RuntimeOption {
	return func(r *Runtime) { r.answers = cache }
}

// WithCacheMonitor replaces the default answer-cache health monitor.
func WithCacheMonitor(monitor *rag.CacheMonitor) RuntimeOption {
	return func(r *Runtime) { r.monitor = monitor }
}

// WithSelfLearner enables background self-learning.
func WithSelfLearner(learner *learning.SelfLearner) RuntimeOption {
	return func(r *Runtime) { r.learner = learner }
}

// WithIoTBridge attaches the device bridge so session resets propagate.
func WithIoTBridge(bridge *iot.Bridge) RuntimeOption {
	return func(r *Runtime) { r.bridge = bridge }
}

// WithSensorHub injects the hub receiving modality sensor events.
func WithSensorHub(hub *encoder.SensorHub) RuntimeOption {
	return func(r *Runtime) { r.sensorHub = hub }
}

// WithSLOTracker overrides the latency tracker.
func WithSLOTracker(tracker *metrics.Tracker) RuntimeOption {
	return func(r *Runtime) { r.slo = tracker }
}

// WithMKSI attaches a quality aggregator observed after each request.
func WithMKSI(aggregator *MKSIAggregator) RuntimeOption {
	return func(r *Runtime) { r.mksi = aggregator }
}

// WithProfiler injects the personalization profiler.
func WithProfiler(profiler *personalization.OnDeviceProfiler) RuntimeOption {
	return func(r *Runtime) { r.profiler = profiler }
}

// New assembles a runtime. Missing collaborators get working defaults that
// share the runtime's journal and graph.
func New(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		textEncoder:  encoder.NewTextEncoder(32),
		imageEncoder: encoder.NewImageEncoder(32),
		fusion:       encoder.NewFusionTransformer(32, nil),
		planner:      planner.New(),
		profiler:     personalization.NewProfiler(),
		empathy:      personalization.NewEmpathyModulator(),
		privacy:      privacy.NewOperator(),
		slo:          metrics.NewTracker(),
		log:          logging.Get(logging.CategoryRuntime),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.journal == nil {
		r.journal = journal.New()
	}
	if r.graph == nil {
		r.graph = kg.NewGraph()
	}
	if r.store == nil {
		r.store = skills.NewStore(r.journal)
	}
	if r.sandbox == nil {
		r.sandbox = sandbox.New(r.journal)
	}
	if r.answers == nil {
		r.answers = rag.NewAnswerCache(0)
	}
	if r.monitor == nil {
		r.monitor = rag.NewCacheMonitor(rag.DefaultAlertThresholds(), r.journal)
	}
	r.pipeline = rag.NewPipeline(r.graph, r.textEncoder)
	if manifests := r.store.List(); len(manifests) > 0 {
		r.planner.RegisterSkills(manifests)
	}
	return r
}

// Journal exposes the runtime's journal for subscriptions and audits.
func (r *Runtime) Journal() *journal.Journal { return r.journal }

// Graph exposes the runtime's knowledge graph.
func (r *Runtime) Graph() *kg.Graph { return r.graph }

// RegisterSkills registers manifests with the store and the planner.
func (r *Runtime) RegisterSkills(manifests []skills.Manifest) error {
	if err := r.store.RegisterAll(manifests); err != nil {
		return err
	}
	r.planner.RegisterSkills(r.store.List())
	return nil
}

// StartSession loads the session graph when a snapshot exists and journals
// the start. An empty graphPath defaults to "<id>.kg.jsonl".
func (r *Runtime) StartSession(id, graphPath string) error {
	if graphPath == "" {
		graphPath = id + ".kg.jsonl"
	}
	loaded, err := r.graph.Load(graphPath)
	if err != nil {
		return fmt.Errorf("load session graph: %w", err)
	}
	r.sessionID = id
	r.graphPath = graphPath
	r.journal.Append("session_started", map[string]any{
		"session_id":   id,
		"graph_loaded": loaded,
		"graph_nodes":  r.graph.Len(),
	})
	return nil
}

// EndSession persists the graph, resets IoT session state and journals the
// end of the session.
func (r *Runtime) EndSession() error {
	if r.sessionID == "" {
		return errors.New("no active session")
	}
	if err := r.graph.Save(r.graphPath); err != nil {
		return fmt.Errorf("save session graph: %w", err)
	}
	if r.bridge != nil {
		r.bridge.ResetSession(r.sessionID)
	}
	r.journal.Append("session_finished", map[string]any{
		"session_id":  r.sessionID,
		"graph_nodes": r.graph.Len(),
	})
	r.sessionID = ""
	r.graphPath = ""
	return nil
}

// Process runs the full pipeline for one request.
func (r *Runtime) Process(ctx context.Context, request Request) (*Response, error) {
	if request.TopK <= 0 {
		request.TopK = 5
	}
	reasoning := NewReasoningLog()

	var filtered map[string]any
	r.slo.TimeStage("privacy_enforce", func() {
		filtered = r.enforcePrivacy(request, reasoning)
	})

	var transcript string
	r.slo.TimeStage("compose_transcript", func() {
		transcript = r.composeTranscript(filtered)
	})

	var embeddings map[string][]float64
	r.slo.TimeStage("encode_modalities", func() {
		embeddings = r.encodeModalities(filtered, transcript)
	})

	r.slo.TimeStage("fusion", func() {
		r.fuseModalities(embeddings, reasoning)
	})

	cacheKey := rag.OfflineKey(request.UserID, request.Goal, filtered, transcript, request.DataTags)
	var cached *Response
	r.slo.TimeStage("offline_cache_lookup", func() {
		cached = r.lookupOffline(cacheKey, request, reasoning)
	})
	if cached != nil {
		r.journalSLOSnapshot()
		return cached, nil
	}

	var plan planner.Plan
	r.slo.TimeStage("planning", func() {
		plan = r.planner.Plan(request.Goal, request.Hints)
	})
	stepIDs := make([]string, 0, len(plan.Steps))
	planSkills := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		stepIDs = append(stepIDs, step.ID)
		planSkills = append(planSkills, step.Skill)
	}
	reasoning.AddStep("plan", fmt.Sprintf("generated %d steps", len(plan.Steps)), stepIDs, 0.7)
	r.journal.Append("plan", map[string]any{
		"goal":       request.Goal,
		"step_count": len(plan.Steps),
		"skills":     planSkills,
	})

	query := transcript
	if query == "" {
		query = request.Goal
	}
	var answer rag.Answer
	r.slo.TimeStage("rag_answer", func() {
		answer = r.answerQuery(request, query, filtered, reasoning)
	})

	var executions []SkillExecution
	r.slo.TimeStage("execute_plan", func() {
		executions = r.executePlan(ctx, plan, request, filtered, reasoning)
	})

	var adjustments personalization.Adjustments
	r.slo.TimeStage("profile_signals", func() {
		profile := r.profiler.BulkRecord(request.UserID, request.Signals)
		adjustments = r.empathy.Modulate(profile, request.Empathy)
	})
	reasoning.AddStep("empathy", "generated modulation vector", nil, 0.55)
	r.journal.Append("empathy", map[string]any{
		"user_id":     request.UserID,
		"adjustments": adjustments.AsMetadata(),
	})

	r.slo.TimeStage("self_learning", func() {
		r.learnFromExecutions(request.UserID, executions)
	})

	if r.offline != nil {
		payload := map[string]any{
			"plan":        toJSONValue(plan),
			"answer":      toJSONValue(answer),
			"executions":  toJSONValue(executions),
			"adjustments": toJSONValue(adjustments),
		}
		r.offline.Put(cacheKey, payload)
		r.journal.Append("cache_store", map[string]any{"key": cacheKey, "user_id": request.UserID})
	}

	r.journalSLOSnapshot()
	response := &Response{
		Plan:        plan,
		Answer:      answer,
		Adjustments: adjustments,
		Executions:  executions,
		Reasoning:   reasoning,
		JournalTail: r.journal.Tail(10),
		Cached:      false,
		Metrics:     r.slo.Report(),
	}
	r.observeMKSI(filtered, response)
	return response, nil
}

func (r *Runtime) enforcePrivacy(request Request, reasoning *ReasoningLog) map[string]any {
	requested := make([]string, 0, len(request.Modalities))
	for modality := range request.Modalities {
		requested = append(requested, modality)
	}
	sort.Strings(requested)
	allowed := r.privacy.Enforce(request.UserID, requested)
	allowedSet := make(map[string]bool, len(allowed))
	for _, modality := range allowed {
		allowedSet[modality] = true
	}
	filtered := make(map[string]any, len(allowed))
	var blocked []string
	for _, modality := range requested {
		if allowedSet[modality] {
			filtered[modality] = request.Modalities[modality]
		} else {
			blocked = append(blocked, modality)
		}
	}
	r.journal.Append("privacy", map[string]any{
		"user_id": request.UserID,
		"allowed": allowed,
		"blocked": blocked,
	})
	reasoning.AddStep("privacy", "enforced consent policies", allowed, 0.8)
	return filtered
}

func (r *Runtime) composeTranscript(modalities map[string]any) string {
	transcript := ""
	if text, ok := modalities["text"].(string); ok {
		transcript = text
	}
	if audio, ok := modalities["audio"]; ok {
		if fragment := r.asr.Transcribe(audio); fragment != "" {
			if transcript != "" {
				transcript += "\n"
			}
			transcript += fragment
		}
	}
	return transcript
}

func (r *Runtime) encodeModalities(modalities map[string]any, transcript string) map[string][]float64 {
	embeddings := make(map[string][]float64)
	if transcript != "" {
		embeddings["text"] = r.textEncoder.Encode(transcript)
	}
	if image, ok := modalities["image"].([]byte); ok {
		embeddings["image"] = r.imageEncoder.Encode(image)
	}
	if r.sensorHub != nil {
		if events, ok := modalities["sensors"].([]encoder.SensorEvent); ok {
			for _, event := range events {
				r.sensorHub.Ingest(event)
			}
		}
	}
	return embeddings
}

func (r *Runtime) fuseModalities(embeddings map[string][]float64, reasoning *ReasoningLog) {
	if len(embeddings) == 0 {
		return
	}
	result := r.fusion.Fuse(embeddings)
	modalities := make([]string, 0, len(embeddings))
	for modality := range embeddings {
		modalities = append(modalities, modality)
	}
	sort.Strings(modalities)
	preview := result.Embedding
	if len(preview) > 4 {
		preview = preview[:4]
	}
	r.journal.Append("fusion", map[string]any{
		"modalities":        modalities,
		"weights":           result.ModalityWeights,
		"embedding_preview": preview,
	})
	reasoning.AddStep("fusion", fmt.Sprintf("fused %d modalities", len(embeddings)), modalities, 0.6)
}

func (r *Runtime) lookupOffline(cacheKey string, request Request, reasoning *ReasoningLog) *Response {
	if r.offline == nil {
		return nil
	}
	payload, ok := r.offline.Get(cacheKey)
	if !ok {
		return nil
	}
	var plan planner.Plan
	if err := fromJSONValue(payload["plan"], &plan); err != nil {
		r.log.Warn("cached plan unreadable, ignoring cache entry", zap.Error(err))
		return nil
	}
	var answer rag.Answer
	if err := fromJSONValue(payload["answer"], &answer); err != nil {
		return nil
	}
	var executions []SkillExecution
	if err := fromJSONValue(payload["executions"], &executions); err != nil {
		return nil
	}
	var adjustments personalization.Adjustments
	if err := fromJSONValue(payload["adjustments"], &adjustments); err != nil {
		return nil
	}
	reasoning.AddStep("cache", "served response from offline cache", nil, 0.95)
	r.journal.Append("cache_hit", map[string]any{"user_id": request.UserID, "goal": request.Goal})
	return &Response{
		Plan:        plan,
		Answer:      answer,
		Adjustments: adjustments,
		Executions:  executions,
		Reasoning:   reasoning,
		JournalTail: r.journal.Tail(10),
		Cached:      true,
		Metrics:     r.slo.Report(),
	}
}

func (r *Runtime) answerQuery(request Request, query string, modalities map[string]any, reasoning *ReasoningLog) rag.Answer {
	modalityNames := make([]string, 0, len(modalities))
	for modality := range modalities {
		modalityNames = append(modalityNames, modality)
	}
	key := rag.AnswerKey(request.UserID, query, request.DataTags, modalityNames, request.TopK)
	answer, hit := r.answers.Get(key)
	if hit {
		reasoning.AddStep("rag_cache", "served answer from cache", nil, 0.9)
	} else {
		answer = r.pipeline.Respond(query, request.TopK, reasoning)
		r.answers.Put(key, answer)
	}
	supportIDs := make([]string, 0, len(answer.Support))
	for _, fact := range answer.Support {
		supportIDs = append(supportIDs, fact.ID)
	}
	r.journal.Append("rag_answer", map[string]any{
		"query":   query,
		"support": supportIDs,
		"cached":  hit,
	})
	stats := r.answers.Stats()
	r.journal.Append("rag_cache_stats", map[string]any{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"requests": stats.Requests,
		"size":     stats.Size,
	})
	r.monitor.Evaluate(stats)
	return answer
}

func (r *Runtime) executePlan(ctx context.Context, plan planner.Plan, request Request, modalities map[string]any, reasoning *ReasoningLog) []SkillExecution {
	executions := make([]SkillExecution, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		executions = append(executions, r.executeStep(ctx, step, request, modalities, reasoning))
	}
	return executions
}

func (r *Runtime) executeStep(ctx context.Context, step planner.PlanStep, request Request, modalities map[string]any, reasoning *ReasoningLog) SkillExecution {
	if step.Skill == "" {
		reasoning.AddStep("noop", fmt.Sprintf("step %s had no mapped skill", step.ID), []string{step.ID}, 0.4)
		r.journal.Append("skill_skipped", map[string]any{"step_id": step.ID})
		return SkillExecution{StepID: step.ID, Output: map[string]any{"status": "skipped", "reason": "no_skill"}}
	}

	if _, ok := r.store.Get(step.Skill); !ok {
		reasoning.AddStep("missing_skill", fmt.Sprintf("skill %s unavailable", step.Skill), []string{step.ID}, 0.3)
		r.journal.Append("skill_missing", map[string]any{"step_id": step.ID, "skill": step.Skill})
		return SkillExecution{
			StepID: step.ID,
			Skill:  step.Skill,
			Output: map[string]any{"status": "missing", "skill": step.Skill},
		}
	}

	if _, err := r.store.AuthorizeExecution(step.Skill, request.SkillScopes, request.UserID); err != nil {
		return r.blockedExecution(step, err, reasoning)
	}
	if err := r.store.EnforcePolicy(step.Skill, request.DataTags, request.UserID); err != nil {
		return r.blockedExecution(step, err, reasoning)
	}

	modalityNames := make([]string, 0, len(modalities))
	for modality := range modalities {
		modalityNames = append(modalityNames, modality)
	}
	sort.Strings(modalityNames)
	payload := map[string]any{
		"goal":       request.Goal,
		"step":       step.Description,
		"modalities": modalityNames,
	}
	result, err := r.sandbox.Execute(ctx, step.Skill, payload)
	if err != nil {
		var quotaErr *sandbox.QuotaExceededError
		if errors.As(err, &quotaErr) {
			reasoning.AddStep("skill_blocked", fmt.Sprintf("%s exceeded its %s quota", step.Skill, quotaErr.Resource), []string{step.ID}, 0.2)
			r.journal.Append("skill_error", map[string]any{"step_id": step.ID, "skill": step.Skill, "error": err.Error()})
			return SkillExecution{
				StepID: step.ID,
				Skill:  step.Skill,
				Output: map[string]any{"status": "quota_blocked", "message": err.Error()},
			}
		}
		reasoning.AddStep("skill_error", fmt.Sprintf("%s failed", step.Skill), []string{step.ID}, 0.1)
		r.journal.Append("skill_error", map[string]any{"step_id": step.ID, "skill": step.Skill, "error": err.Error()})
		return SkillExecution{
			StepID: step.ID,
			Skill:  step.Skill,
			Output: map[string]any{"status": "error", "message": err.Error()},
		}
	}

	resultKeys := make([]string, 0, len(result))
	for key := range result {
		resultKeys = append(resultKeys, key)
	}
	sort.Strings(resultKeys)
	reasoning.AddStep("skill", fmt.Sprintf("executed %s", step.Skill), []string{step.ID}, 0.75)
	r.journal.Append("skill_executed", map[string]any{
		"step_id":     step.ID,
		"skill":       step.Skill,
		"result_keys": resultKeys,
	})
	return SkillExecution{
		StepID: step.ID,
		Skill:  step.Skill,
		Output: map[string]any{"status": "ok", "result": result},
	}
}

func (r *Runtime) blockedExecution(step planner.PlanStep, err error, reasoning *ReasoningLog) SkillExecution {
	reasoning.AddStep("skill_blocked", fmt.Sprintf("%s blocked by policy", step.Skill), []string{step.ID}, 0.2)
	entry := map[string]any{
		"step_id": step.ID,
		"skill":   step.Skill,
		"error":   err.Error(),
	}
	output := map[string]any{"status": "policy_blocked", "message": err.Error()}
	var violation *skills.PolicyViolationError
	var missing *skills.PermissionMissingError
	switch {
	case errors.As(err, &violation):
		entry["policy"] = violation.Policy
		entry["rule"] = violation.Rule
		output["policy"] = violation.Policy
	case errors.As(err, &missing):
		entry["missing_scopes"] = missing.Missing
		output["missing_scopes"] = missing.Missing
	}
	r.journal.Append("skill_policy_blocked", entry)
	return SkillExecution{
		StepID: step.ID,
		Skill:  step.Skill,
		Output: output,
	}
}

// learnFromExecutions enqueues weak labels for every execution and runs one
// learner step.
func (r *Runtime) learnFromExecutions(userID string, executions []SkillExecution) {
	if r.learner == nil {
		return
	}
	for _, execution := range executions {
		status, _ := execution.Output["status"].(string)
		task := execution.Skill
		if task == "" {
			task = "noop"
		}
		reward := 0.0
		confidence := 0.3
		if status == "ok" {
			reward = 1.0
			confidence = 0.8
		}
		r.learner.Enqueue(task, map[string]float64{"reward": reward}, confidence, map[string]string{"status": status}, userID)
	}
	updates := r.learner.Step()
	if len(updates) > 0 {
		tasks := make([]string, 0, len(updates))
		for task := range updates {
			tasks = append(tasks, task)
		}
		sort.Strings(tasks)
		r.journal.Append("self_learning", map[string]any{"tasks": tasks})
	}
}

func (r *Runtime) journalSLOSnapshot() {
	report := r.slo.Report()
	stages := make(map[string]any, len(report))
	for stage, snapshot := range report {
		stages[stage] = map[string]any{
			"count": snapshot.Count,
			"p50":   snapshot.P50,
			"p95":   snapshot.P95,
			"p99":   snapshot.P99,
		}
	}
	r.journal.Append("slo_snapshot", map[string]any{"stages": stages})
}

func (r *Runtime) observeMKSI(modalities map[string]any, response *Response) {
	if r.mksi == nil {
		return
	}
	modalityNames := make([]string, 0, len(modalities))
	for modality := range modalities {
		modalityNames = append(modalityNames, modality)
	}
	adjustments := make(map[string]float64)
	for key, value := range response.Adjustments.AsMetadata() {
		if number, ok := value.(float64); ok {
			adjustments[key] = number
		}
	}
	r.mksi.Observe(MKSIObservation{
		Modalities:     modalityNames,
		PlanSteps:      len(response.Plan.Steps),
		Executions:     response.Executions,
		ReasoningSteps: response.Reasoning.Len(),
		Adjustments:    adjustments,
		Cached:         response.Cached,
		SLOSnapshot:    response.Metrics,
	})
}

// toJSONValue converts a typed value into plain JSON maps and slices so it
// can live in the offline cache.
func toJSONValue(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func fromJSONValue(value any, target any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
