// Package encoder provides the deterministic modality encoders and fusion
// layers the runtime works with: hashed text embeddings, perceptual image
// hashes, audio features, diffusion-style video tokens and the cross-modal
// fusion transformers that combine them.
package encoder

import (
	"encoding/binary"
	"math"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var tokenPattern = regexp.MustCompile(`[\w\-']+`)

// TextEncoder is a hashed bag-of-words encoder. It produces dense normalized
// vectors suitable for fusion and similarity without any model weights.
type TextEncoder struct {
	dim int
}

// NewTextEncoder builds a text encoder of the given dimension. Non-positive
// dimensions fall back to 32.
func NewTextEncoder(dim int) *TextEncoder {
	if dim <= 0 {
		dim = 32
	}
	return &TextEncoder{dim: dim}
}

// Dim returns the embedding dimension.
func (e *TextEncoder) Dim() int { return e.dim }

// Encode hashes each lower-cased token into a bucket via a 4-byte blake2b
// digest and L2-normalizes the resulting count vector.
func (e *TextEncoder) Encode(text string) []float64 {
	counts := make(map[string]float64)
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		counts[token]++
	}
	vector := make([]float64, e.dim)
	for token, count := range counts {
		h, err := blake2b.New(4, nil)
		if err != nil {
			continue
		}
		h.Write([]byte(token))
		index := binary.BigEndian.Uint32(h.Sum(nil)) % uint32(e.dim)
		vector[index] += count
	}
	return l2Normalize(vector)
}

func l2Normalize(vector []float64) []float64 {
	var sum float64
	for _, v := range vector {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vector
	}
	for i := range vector {
		vector[i] /= norm
	}
	return vector
}
