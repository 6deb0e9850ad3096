package encoder

import "golang.org/x/crypto/blake2b"

// DiffusionVisionEncoder approximates diffusion tokenization for streaming
// video: frames hash into tokens that aggregate over a sliding window.
type DiffusionVisionEncoder struct {
	dim         int
	frameWindow int
}

// NewDiffusionVisionEncoder builds a video encoder. Non-positive arguments
// fall back to dim 64 and an 8-frame window.
func NewDiffusionVisionEncoder(dim, frameWindow int) *DiffusionVisionEncoder {
	if dim <= 0 {
		dim = 64
	}
	if frameWindow <= 0 {
		frameWindow = 8
	}
	return &DiffusionVisionEncoder{dim: dim, frameWindow: frameWindow}
}

func (e *DiffusionVisionEncoder) hashFrame(frame []byte) []float64 {
	digest := blake2b.Sum256(frame)
	token := make([]float64, e.dim)
	for i := 0; i < e.dim && i < len(digest); i++ {
		token[i] = float64(digest[i]) / 255.0
	}
	return token
}

// TokenizeStream yields window-aggregated frame tokens in arrival order,
// plus a final token for any partial trailing window.
func (e *DiffusionVisionEncoder) TokenizeStream(frames [][]byte) [][]float64 {
	var tokens [][]float64
	buffer := make([][]float64, 0, e.frameWindow)
	for _, frame := range frames {
		if len(buffer) == e.frameWindow {
			buffer = buffer[1:]
		}
		buffer = append(buffer, e.hashFrame(frame))
		if len(buffer) == e.frameWindow {
			tokens = append(tokens, e.aggregate(buffer))
		}
	}
	if len(buffer) > 0 && len(buffer) < e.frameWindow {
		tokens = append(tokens, e.aggregate(buffer))
	}
	return tokens
}

// EncodeVideo collapses a frame stream into one normalized embedding.
func (e *DiffusionVisionEncoder) EncodeVideo(frames [][]byte) []float64 {
	tokens := e.TokenizeStream(frames)
	if len(tokens) == 0 {
		return make([]float64, e.dim)
	}
	aggregate := make([]float64, e.dim)
	for _, token := range tokens {
		for i, v := range token {
			aggregate[i] += v
		}
	}
	return l2Normalize(aggregate)
}

func (e *DiffusionVisionEncoder) aggregate(buffer [][]float64) []float64 {
	out := make([]float64, e.dim)
	for _, token := range buffer {
		for i, v := range token {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(len(buffer))
	}
	return out
}
