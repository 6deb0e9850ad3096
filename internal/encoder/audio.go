package encoder

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// ASREncoder is a deterministic placeholder for speech recognition. It
// normalizes provided transcripts; raw samples render as fixed-precision
// text so downstream hashing stays stable.
type ASREncoder struct{}

// Transcribe converts an audio input into transcript text. Strings pass
// through trimmed; valid UTF-8 bytes decode; other bytes collapse to their
// sha1 hex; sample slices render as space-joined three-decimal values.
func (ASREncoder) Transcribe(audio any) string {
	switch v := audio.(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		if utf8.Valid(v) {
			return strings.TrimSpace(string(v))
		}
		digest := sha1.Sum(v)
		return hex.EncodeToString(digest[:])
	case []float64:
		if len(v) == 0 {
			return ""
		}
		parts := make([]string, len(v))
		for i, sample := range v {
			parts[i] = fmt.Sprintf("%.3f", sample)
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// AdaptiveAudioEncoder extracts magnitude features with per-user noise
// calibration and voiceprint blending.
type AdaptiveAudioEncoder struct {
	dim         int
	noiseFloor  map[string]float64
	voiceprints map[string][]float64
}

// NewAdaptiveAudioEncoder builds an audio encoder. Non-positive dimensions
// fall back to 48.
func NewAdaptiveAudioEncoder(dim int) *AdaptiveAudioEncoder {
	if dim <= 0 {
		dim = 48
	}
	return &AdaptiveAudioEncoder{
		dim:         dim,
		noiseFloor:  make(map[string]float64),
		voiceprints: make(map[string][]float64),
	}
}

// Calibrate records the user's noise floor and voiceprint from reference
// samples.
func (e *AdaptiveAudioEncoder) Calibrate(userID string, samples []float64) {
	if len(samples) == 0 {
		e.noiseFloor[userID] = 0
		return
	}
	var magnitude float64
	for _, sample := range samples {
		magnitude += math.Abs(sample)
	}
	e.noiseFloor[userID] = magnitude / float64(len(samples))

	span := len(samples)
	if span > e.dim {
		span = e.dim
	}
	voiceprint := make([]float64, e.dim)
	for i := 0; i < span; i++ {
		voiceprint[i] = math.Abs(samples[i])
	}
	e.voiceprints[userID] = voiceprint
}

// Encode turns samples into a normalized feature vector, subtracting the
// user's calibrated noise floor and blending any stored voiceprint.
func (e *AdaptiveAudioEncoder) Encode(samples []float64, userID string) []float64 {
	if len(samples) == 0 {
		return make([]float64, e.dim)
	}
	key := userID
	if key == "" {
		key = "global"
	}
	noise := e.noiseFloor[key]
	adjusted := make([]float64, len(samples))
	for i, sample := range samples {
		adjusted[i] = sample - noise
	}
	embedding := make([]float64, e.dim)
	for i := 0; i < e.dim; i++ {
		end := i + 4
		if end > len(adjusted) {
			end = len(adjusted)
		}
		if i >= end {
			break
		}
		var feature float64
		for _, v := range adjusted[i:end] {
			feature += math.Abs(v)
		}
		embedding[i] = feature / float64(end-i)
	}
	if voiceprint, ok := e.voiceprints[key]; ok {
		for i := 0; i < e.dim && i < len(voiceprint); i++ {
			embedding[i] = (embedding[i] + voiceprint[i]) / 2.0
		}
	}
	return l2Normalize(embedding)
}
