package encoder

// FusionResult is the output of a fusion layer.
type FusionResult struct {
	Embedding       []float64          `json:"embedding"`
	ModalityWeights map[string]float64 `json:"modality_weights"`
	Metadata        map[string]any     `json:"metadata"`
}

// FusionTransformer combines modality embeddings by weighted averaging.
type FusionTransformer struct {
	dim             int
	modalityWeights map[string]float64
}

// NewFusionTransformer builds a fusion transformer with optional static
// per-modality weights; unlisted modalities weigh 1.0.
func NewFusionTransformer(dim int, modalityWeights map[string]float64) *FusionTransformer {
	if dim <= 0 {
		dim = 32
	}
	weights := make(map[string]float64, len(modalityWeights))
	for k, v := range modalityWeights {
		weights[k] = v
	}
	return &FusionTransformer{dim: dim, modalityWeights: weights}
}

// Dim returns the fused embedding dimension.
func (f *FusionTransformer) Dim() int { return f.dim }

// Fuse averages the given embeddings using the configured weights. Empty
// embeddings are skipped.
func (f *FusionTransformer) Fuse(embeddings map[string][]float64) FusionResult {
	accumulator := make([]float64, f.dim)
	applied := make(map[string]float64)
	var totalWeight float64
	for modality, values := range embeddings {
		if len(values) == 0 {
			continue
		}
		weight, ok := f.modalityWeights[modality]
		if !ok {
			weight = 1.0
		}
		applied[modality] = weight
		totalWeight += weight
		for i, v := range values {
			if i >= f.dim {
				break
			}
			accumulator[i] += weight * v
		}
	}
	if totalWeight > 0 {
		for i := range accumulator {
			accumulator[i] /= totalWeight
		}
	}
	return FusionResult{
		Embedding:       accumulator,
		ModalityWeights: applied,
		Metadata:        map[string]any{},
	}
}
