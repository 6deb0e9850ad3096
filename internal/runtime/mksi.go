package runtime

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"kolibri/internal/logging"
	"kolibri/internal/metrics"
)

// MKSIValues holds the individual quality axes of one observation.
type MKSIValues struct {
	Generalization float64 `json:"generalization"`
	Parsimony      float64 `json:"parsimony"`
	Autonomy       float64 `json:"autonomy"`
	Reliability    float64 `json:"reliability"`
	Explainability float64 `json:"explainability"`
	Usability      float64 `json:"usability"`
}

// MKSI is the mean of all axes.
func (v MKSIValues) MKSI() float64 {
	return (v.Generalization + v.Parsimony + v.Autonomy + v.Reliability + v.Explainability + v.Usability) / 6
}

// AsMap flattens the values including the composite score.
func (v MKSIValues) AsMap() map[string]float64 {
	return map[string]float64{
		"generalization": v.Generalization,
		"parsimony":      v.Parsimony,
		"autonomy":       v.Autonomy,
		"reliability":    v.Reliability,
		"explainability": v.Explainability,
		"usability":      v.Usability,
		"mksi":           v.MKSI(),
	}
}

// MKSIReport pairs the latest observation with the rolling average.
type MKSIReport struct {
	Current MKSIValues `json:"current"`
	Rolling MKSIValues `json:"rolling"`
}

// MKSIObservation is one runtime interaction fed into the aggregator.
type MKSIObservation struct {
	Modalities     []string
	PlanSteps      int
	Executions     []SkillExecution
	ReasoningSteps int
	Adjustments    map[string]float64
	Cached         bool
	SLOSnapshot    map[string]metrics.Snapshot
}

// MKSIOption configures an MKSIAggregator.
type MKSIOption func(*MKSIAggregator)

// WithMKSIWindow bounds the rolling history.
func WithMKSIWindow(window int) MKSIOption {
	return func(a *MKSIAggregator) {
		if window > 0 {
			a.window = window
		}
	}
}

// WithSLOTargets overrides per-stage p95 budgets in milliseconds.
func WithSLOTargets(targets map[string]float64) MKSIOption {
	return func(a *MKSIAggregator) {
		for stage, target := range targets {
			a.sloTargets[stage] = target
		}
	}
}

// WithLatencyBudget overrides the end-to-end latency budget in milliseconds.
// Stages without an explicit target get budget divided by the pipeline depth.
func WithLatencyBudget(budgetMS float64) MKSIOption {
	return func(a *MKSIAggregator) {
		if budgetMS > 0 {
			a.latencyBudget = budgetMS
		}
	}
}

// WithExportFile writes each report to the given JSON file.
func WithExportFile(path string) MKSIOption {
	return func(a *MKSIAggregator) { a.exportPath = path }
}

// WithExportEndpoint POSTs each report to the given URL, best effort with a
// bounded timeout.
func WithExportEndpoint(url string) MKSIOption {
	return func(a *MKSIAggregator) { a.exportEndpoint = url }
}

// MKSIAggregator folds runtime interactions into rolling quality scores and
// optionally exports them.
type MKSIAggregator struct {
	window          int
	history         []MKSIValues
	sloTargets      map[string]float64
	latencyBudget   float64
	modalityCeiling int
	reasoningTarget float64
	exportPath      string
	exportEndpoint  string
	client          *http.Client
	log             *zap.Logger
}

// NewMKSIAggregator builds an aggregator with a 20-entry rolling window and
// a 2.5 s end-to-end latency budget.
func NewMKSIAggregator(opts ...MKSIOption) *MKSIAggregator {
	a := &MKSIAggregator{
		window:          20,
		sloTargets:      make(map[string]float64),
		latencyBudget:   2500.0,
		modalityCeiling: 4,
		reasoningTarget: 2.0,
		client:          &http.Client{Timeout: 2 * time.Second},
		log:             logging.Get(logging.CategoryRuntime),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe records one interaction and returns the updated report.
func (a *MKSIAggregator) Observe(observation MKSIObservation) MKSIReport {
	current := a.compute(observation)
	a.history = append(a.history, current)
	if len(a.history) > a.window {
		a.history = a.history[len(a.history)-a.window:]
	}
	report := MKSIReport{Current: current, Rolling: a.rolling()}
	a.export(report)
	return report
}

// Report returns the latest snapshot without recording a new event.
func (a *MKSIAggregator) Report() MKSIReport {
	report := MKSIReport{Rolling: a.rolling()}
	if len(a.history) > 0 {
		report.Current = a.history[len(a.history)-1]
	}
	return report
}

type executionStats struct {
	total, ok, policyBlocked, errors, skipped, missing float64
}

func (a *MKSIAggregator) compute(o MKSIObservation) MKSIValues {
	stats := tallyExecutions(o.Executions)
	planTotal := float64(o.PlanSteps)
	if planTotal < 1 {
		planTotal = 1
	}
	executed := stats.total
	if executed < 1 {
		executed = 1
	}
	successRatio := stats.ok / executed

	modalitySet := make(map[string]bool, len(o.Modalities))
	for _, modality := range o.Modalities {
		modalitySet[modality] = true
	}
	modalityScore := float64(len(modalitySet)) / float64(a.modalityCeiling)
	if modalityScore > 1 {
		modalityScore = 1
	}
	cachePenalty := 0.0
	if o.Cached {
		cachePenalty = 0.1
	}
	generalization := clampUnit(0.55*successRatio + 0.35*modalityScore + 0.1 - cachePenalty)

	nonProductive := float64(o.PlanSteps) - stats.ok
	if nonProductive < 0 {
		nonProductive = 0
	}
	parsimony := clampUnit(1.0 - 0.8*nonProductive/planTotal)

	autonomyBase := 0.85
	if o.Cached {
		autonomyBase = 0.55
	}
	autonomy := clampUnit(autonomyBase - 0.6*stats.policyBlocked/planTotal - 0.3*(stats.missing+stats.skipped)/planTotal)

	reliability := a.reliability(successRatio, o.SLOSnapshot)

	reasoningScore := float64(o.ReasoningSteps) / planTotal / a.reasoningTarget
	if reasoningScore > 1 {
		reasoningScore = 1
	}
	explainability := clampUnit(0.5*reasoningScore + 0.5*stats.ok/planTotal)

	usability := a.usability(o.Adjustments, o.SLOSnapshot)

	return MKSIValues{
		Generalization: generalization,
		Parsimony:      parsimony,
		Autonomy:       autonomy,
		Reliability:    reliability,
		Explainability: explainability,
		Usability:      usability,
	}
}

func tallyExecutions(executions []SkillExecution) executionStats {
	var stats executionStats
	for _, execution := range executions {
		if execution.Output == nil {
			continue
		}
		stats.total++
		status, _ := execution.Output["status"].(string)
		switch status {
		case "ok":
			stats.ok++
		case "policy_blocked", "quota_blocked":
			stats.policyBlocked++
		case "error":
			stats.errors++
		case "skipped":
			stats.skipped++
		case "missing":
			stats.missing++
		}
	}
	return stats
}

func (a *MKSIAggregator) reliability(successRatio float64, snapshot map[string]metrics.Snapshot) float64 {
	defaultBudget := 600.0
	if a.latencyBudget > 0 {
		defaultBudget = a.latencyBudget / 6.0
	}
	var stageScores []float64
	for stage, stats := range snapshot {
		target, ok := a.sloTargets[stage]
		if !ok {
			target = defaultBudget
		}
		if target <= 0 {
			continue
		}
		ratio := stats.P95 / target
		switch {
		case ratio <= 1.0:
			stageScores = append(stageScores, 1.0)
		case ratio <= 1.5:
			stageScores = append(stageScores, 0.6)
		default:
			stageScores = append(stageScores, 0.2)
		}
	}
	latencyScore := 0.5
	if len(stageScores) > 0 {
		sum := 0.0
		for _, score := range stageScores {
			sum += score
		}
		latencyScore = sum / float64(len(stageScores))
	}
	return clampUnit(0.6*successRatio + 0.4*latencyScore)
}

func (a *MKSIAggregator) usability(adjustments map[string]float64, snapshot map[string]metrics.Snapshot) float64 {
	totalLatency := 0.0
	for _, stats := range snapshot {
		totalLatency += stats.P50
	}
	latencyScore := 0.5
	if a.latencyBudget > 0 {
		ratio := totalLatency / a.latencyBudget
		if ratio > 1 {
			ratio = 1
		}
		latencyScore = 1 - ratio
	}
	penalty := 0.0
	if len(adjustments) > 0 {
		sum := 0.0
		for _, value := range adjustments {
			if value < 0 {
				value = -value
			}
			sum += value
		}
		penalty = sum / float64(len(adjustments))
		if penalty > 1 {
			penalty = 1
		}
	}
	return clampUnit(0.7*latencyScore + 0.3*(1-penalty))
}

func (a *MKSIAggregator) rolling() MKSIValues {
	if len(a.history) == 0 {
		return MKSIValues{}
	}
	var sum MKSIValues
	for _, values := range a.history {
		sum.Generalization += values.Generalization
		sum.Parsimony += values.Parsimony
		sum.Autonomy += values.Autonomy
		sum.Reliability += values.Reliability
		sum.Explainability += values.Explainability
		sum.Usability += values.Usability
	}
	n := float64(len(a.history))
	return MKSIValues{
		Generalization: sum.Generalization / n,
		Parsimony:      sum.Parsimony / n,
		Autonomy:       sum.Autonomy / n,
		Reliability:    sum.Reliability / n,
		Explainability: sum.Explainability / n,
		Usability:      sum.Usability / n,
	}
}

func (a *MKSIAggregator) export(report MKSIReport) {
	if a.exportPath == "" && a.exportEndpoint == "" {
		return
	}
	payload := map[string]any{
		"current": report.Current.AsMap(),
		"rolling": report.Rolling.AsMap(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	if a.exportPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.exportPath), 0o755); err == nil {
			if err := os.WriteFile(a.exportPath, data, 0o644); err != nil {
				a.log.Warn("mksi file export failed", zap.Error(err))
			}
		}
	}
	if a.exportEndpoint != "" {
		resp, err := a.client.Post(a.exportEndpoint, "application/json", bytes.NewReader(data))
		if err != nil {
			a.log.Debug("mksi endpoint export failed", zap.Error(err))
			return
		}
		resp.Body.Close()
	}
}

func clampUnit(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
