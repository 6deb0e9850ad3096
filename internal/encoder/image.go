package encoder

import (
	"crypto/sha256"
	"fmt"
	"os"
)

// ImageEncoder hashes pixel bytes into a stable embedding. It is a stand-in
// for a vision model with the same interface and deterministic output.
type ImageEncoder struct {
	dim int
}

// NewImageEncoder builds an image encoder. Non-positive dimensions fall back
// to 32.
func NewImageEncoder(dim int) *ImageEncoder {
	if dim <= 0 {
		dim = 32
	}
	return &ImageEncoder{dim: dim}
}

// Dim returns the embedding dimension.
func (e *ImageEncoder) Dim() int { return e.dim }

// Encode maps image bytes onto [0,1] values derived from their sha256
// digest. Empty input yields the zero vector.
func (e *ImageEncoder) Encode(data []byte) []float64 {
	vector := make([]float64, e.dim)
	if len(data) == 0 {
		return vector
	}
	digest := sha256.Sum256(data)
	for i := 0; i < e.dim; i++ {
		vector[i] = float64(digest[i%len(digest)]) / 255.0
	}
	return vector
}

// EncodeFile reads and encodes an image file.
func (e *ImageEncoder) EncodeFile(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("encoder: read image: %w", err)
	}
	return e.Encode(data), nil
}
