package encoder

import "math"

// ModalitySignal is one modality stream entering the adaptive fuser.
type ModalitySignal struct {
	Name      string    `json:"name"`
	Embedding []float64 `json:"embedding"`
	Quality   float64   `json:"quality"`
	LatencyMS float64   `json:"latency_ms"`
}

// Energy returns the mean absolute magnitude of the signal embedding.
func (s ModalitySignal) Energy() float64 {
	if len(s.Embedding) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.Embedding {
		sum += math.Abs(v)
	}
	return sum / float64(len(s.Embedding))
}

// ResolutionDecision is the resolution controller's choice for one modality.
type ResolutionDecision struct {
	Modality     string  `json:"modality"`
	Resolution   string  `json:"resolution"`
	ExpectedGain float64 `json:"expected_gain"`
}

// ResolutionController chooses between low and high resolution per modality
// based on predicted utility under a shared budget.
type ResolutionController struct {
	highCost float64
	lowCost  float64
}

// NewResolutionController builds a controller. Costs are floored at 0.01.
func NewResolutionController(highCost, lowCost float64) *ResolutionController {
	if highCost < 0.01 {
		highCost = 0.01
	}
	if lowCost < 0.01 {
		lowCost = 0.01
	}
	return &ResolutionController{highCost: highCost, lowCost: lowCost}
}

// Decide returns a deterministic resolution choice honoring the budget. An
// exhausted budget always yields low resolution.
func (c *ResolutionController) Decide(modality string, utility, budget float64) ResolutionDecision {
	highScore := utility / c.highCost
	lowScore := (utility * 0.6) / c.lowCost
	if budget <= 0 {
		return ResolutionDecision{Modality: modality, Resolution: "low", ExpectedGain: lowScore}
	}
	if highScore >= lowScore {
		return ResolutionDecision{Modality: modality, Resolution: "high", ExpectedGain: highScore}
	}
	return ResolutionDecision{Modality: modality, Resolution: "low", ExpectedGain: lowScore}
}

const adaptiveHistoryCap = 100

// AdaptiveCrossModalTransformer fuses modalities through per-modality stacks
// of pseudo-attention layers. Depth per modality grows with quality and
// signal energy and shrinks with latency; a resolution controller spends a
// shared budget across modalities (high ≈ 1.0, low ≈ 0.3).
type AdaptiveCrossModalTransformer struct {
	dim        int
	minDepth   int
	maxDepth   int
	resolution *ResolutionController
	history    []map[string]any
}

// NewAdaptiveCrossModalTransformer builds an adaptive fuser. Invalid depth
// bounds fall back to [1, 6].
func NewAdaptiveCrossModalTransformer(dim, minDepth, maxDepth int, controller *ResolutionController) *AdaptiveCrossModalTransformer {
	if dim <= 0 {
		dim = 64
	}
	if minDepth <= 0 || maxDepth < minDepth {
		minDepth, maxDepth = 1, 6
	}
	if controller == nil {
		controller = NewResolutionController(1.0, 0.3)
	}
	return &AdaptiveCrossModalTransformer{
		dim:        dim,
		minDepth:   minDepth,
		maxDepth:   maxDepth,
		resolution: controller,
	}
}

// depthFor maps a signal onto a layer count in [minDepth, maxDepth]. The
// count is monotone in quality*(1+log1p(energy)) and decreasing in latency.
func (t *AdaptiveCrossModalTransformer) depthFor(signal ModalitySignal) int {
	quality := signal.Quality
	if quality < 0.01 {
		quality = 0.01
	}
	energy := signal.Energy()
	if energy == 0 {
		energy = 0.01
	}
	latencyPenalty := 1.0 + signal.LatencyMS/1000.0
	score := quality * (1.0 + math.Log1p(energy)) / latencyPenalty
	depth := t.minDepth + int(score*float64(t.maxDepth-t.minDepth))
	if depth < t.minDepth {
		depth = t.minDepth
	}
	if depth > t.maxDepth {
		depth = t.maxDepth
	}
	return depth
}

func attention(query, key []float64) float64 {
	n := len(query)
	if len(key) < n {
		n = len(key)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += query[i] * key[i]
	}
	denom := math.Sqrt(float64(len(query)))
	if denom == 0 {
		denom = 1
	}
	return dot / denom
}

// Fuse combines the signals into one embedding. Metadata records the layer
// count and resolution chosen per modality.
func (t *AdaptiveCrossModalTransformer) Fuse(signals []ModalitySignal, budget float64, context map[string]any) FusionResult {
	layers := make(map[string]int)
	resolutions := make(map[string]string)
	metadata := map[string]any{
		"layers":      layers,
		"resolutions": resolutions,
		"history_len": len(t.history),
	}
	if len(signals) == 0 {
		return FusionResult{
			Embedding:       make([]float64, t.dim),
			ModalityWeights: map[string]float64{},
			Metadata:        metadata,
		}
	}

	accumulator := make([]float64, t.dim)
	weights := make(map[string]float64, len(signals))
	remaining := budget
	for _, signal := range signals {
		utility := signal.Quality * (1.0 + signal.Energy())
		decision := t.resolution.Decide(signal.Name, utility, remaining)
		resolutions[signal.Name] = decision.Resolution
		if decision.Resolution == "high" {
			remaining -= 1.0
		} else {
			remaining -= 0.3
		}

		depth := t.depthFor(signal)
		layers[signal.Name] = depth

		vector := l2Normalize(append([]float64(nil), signal.Embedding...))
		if len(vector) > t.dim {
			vector = vector[:t.dim]
		}
		attentionWeight := 0.0
		for layer := 0; layer < depth; layer++ {
			rotated := rotate(vector, layer)
			attentionWeight += attention(vector, rotated)
			for i := range vector {
				vector[i] = 0.5 * (vector[i] + rotated[i])
			}
		}
		if attentionWeight < 0.01 {
			attentionWeight = 0.01
		}
		weights[signal.Name] = attentionWeight
		for i := 0; i < len(vector) && i < t.dim; i++ {
			accumulator[i] += attentionWeight * vector[i]
		}
	}

	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight == 0 {
		totalWeight = 1
	}
	embedding := make([]float64, t.dim)
	for i, v := range accumulator {
		embedding[i] = v / totalWeight
	}

	snapshot := make(map[string]any, len(context))
	for k, v := range context {
		snapshot[k] = v
	}
	metadata["context"] = snapshot

	names := make([]string, 0, len(signals))
	for _, signal := range signals {
		names = append(names, signal.Name)
	}
	t.history = append(t.history, map[string]any{"signals": names, "metadata": metadata})
	if len(t.history) > adaptiveHistoryCap {
		t.history = t.history[len(t.history)-adaptiveHistoryCap:]
	}

	return FusionResult{Embedding: embedding, ModalityWeights: weights, Metadata: metadata}
}

// History returns the bounded fusion history, oldest first.
func (t *AdaptiveCrossModalTransformer) History() []map[string]any {
	return append([]map[string]any(nil), t.history...)
}

func rotate(vector []float64, offset int) []float64 {
	n := len(vector)
	if n == 0 {
		return nil
	}
	offset %= n
	out := make([]float64, 0, n)
	out = append(out, vector[offset:]...)
	return append(out, vector[:offset]...)
}

// ModalityCompiler selects subnet configurations for constrained devices
// from a catalogue of per-modality options.
type ModalityCompiler struct {
	catalogue map[string][]string
}

// NewModalityCompiler builds a compiler. Modalities missing from the
// catalogue offer ("full", "quantized").
func NewModalityCompiler(catalogue map[string][]string) *ModalityCompiler {
	copied := make(map[string][]string, len(catalogue))
	for k, v := range catalogue {
		copied[k] = append([]string(nil), v...)
	}
	return &ModalityCompiler{catalogue: copied}
}

// Compile picks one option per requested modality, falling back to the
// cheapest option once the budget drops below 0.5.
func (c *ModalityCompiler) Compile(budget float64, requested []string) map[string]string {
	plan := make(map[string]string, len(requested))
	for _, modality := range requested {
		options, ok := c.catalogue[modality]
		if !ok || len(options) == 0 {
			options = []string{"full", "quantized"}
		}
		choice := options[0]
		if budget < 0.5 && len(options) > 1 {
			choice = options[len(options)-1]
		}
		plan[modality] = choice
		if choice == options[0] {
			budget -= 0.4
		} else {
			budget -= 0.2
		}
	}
	return plan
}
