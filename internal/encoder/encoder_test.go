package encoder

import (
	"math"
	"testing"
)

func TestTextEncoderDeterministicAndNormalized(t *testing.T) {
	enc := NewTextEncoder(32)
	first := enc.Encode("The quick brown fox jumps over the lazy dog")
	second := enc.Encode("The quick brown fox jumps over the lazy dog")
	if len(first) != 32 {
		t.Fatalf("dim = %d", len(first))
	}
	var norm float64
	for i, v := range first {
		if v != second[i] {
			t.Fatal("encoding not deterministic")
		}
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
		t.Fatalf("norm = %v, want 1", math.Sqrt(norm))
	}
}

func TestTextEncoderEmptyInput(t *testing.T) {
	enc := NewTextEncoder(8)
	vector := enc.Encode("")
	for _, v := range vector {
		if v != 0 {
			t.Fatal("empty text must produce zero vector")
		}
	}
}

func TestImageEncoder(t *testing.T) {
	enc := NewImageEncoder(16)
	a := enc.Encode([]byte{1, 2, 3})
	b := enc.Encode([]byte{1, 2, 3})
	c := enc.Encode([]byte{4, 5, 6})
	same, diff := true, false
	for i := range a {
		if a[i] != b[i] {
			same = false
		}
		if a[i] != c[i] {
			diff = true
		}
	}
	if !same || !diff {
		t.Fatalf("same=%v diff=%v", same, diff)
	}
	for _, v := range enc.Encode(nil) {
		if v != 0 {
			t.Fatal("empty image must produce zero vector")
		}
	}
}

func TestASRTranscribe(t *testing.T) {
	var asr ASREncoder
	if got := asr.Transcribe("  hello world  "); got != "hello world" {
		t.Fatalf("string transcript = %q", got)
	}
	if got := asr.Transcribe([]byte("spoken text")); got != "spoken text" {
		t.Fatalf("bytes transcript = %q", got)
	}
	if got := asr.Transcribe([]float64{0.5, -0.25}); got != "0.500 -0.250" {
		t.Fatalf("samples transcript = %q", got)
	}
	if got := asr.Transcribe(nil); got != "" {
		t.Fatalf("nil transcript = %q", got)
	}
}

func TestFusionTransformerWeightedMean(t *testing.T) {
	fuser := NewFusionTransformer(2, map[string]float64{"text": 3.0})
	result := fuser.Fuse(map[string][]float64{
		"text":  {1.0, 0.0},
		"image": {0.0, 1.0},
	})
	// text weight 3, image weight 1: embedding = (3*[1,0] + 1*[0,1]) / 4.
	if math.Abs(result.Embedding[0]-0.75) > 1e-9 || math.Abs(result.Embedding[1]-0.25) > 1e-9 {
		t.Fatalf("embedding = %v", result.Embedding)
	}
	if result.ModalityWeights["text"] != 3.0 || result.ModalityWeights["image"] != 1.0 {
		t.Fatalf("weights = %v", result.ModalityWeights)
	}
}

func TestAdaptiveDepthMonotonicity(t *testing.T) {
	fuser := NewAdaptiveCrossModalTransformer(8, 1, 6, nil)
	embedding := []float64{0.5, 0.5, 0.5, 0.5}

	strong := fuser.Fuse([]ModalitySignal{{Name: "a", Embedding: embedding, Quality: 1.0}}, 1.0, nil)
	weak := fuser.Fuse([]ModalitySignal{{Name: "a", Embedding: embedding, Quality: 0.2}}, 1.0, nil)
	slow := fuser.Fuse([]ModalitySignal{{Name: "a", Embedding: embedding, Quality: 1.0, LatencyMS: 5000}}, 1.0, nil)

	depth := func(r FusionResult) int { return r.Metadata["layers"].(map[string]int)["a"] }
	if depth(strong) < depth(weak) {
		t.Fatalf("depth not monotone in quality: strong=%d weak=%d", depth(strong), depth(weak))
	}
	if depth(strong) < depth(slow) {
		t.Fatalf("depth not decreasing in latency: fast=%d slow=%d", depth(strong), depth(slow))
	}
	// The default controller's low cost undercuts high resolution.
	if res := strong.Metadata["resolutions"].(map[string]string)["a"]; res != "low" {
		t.Fatalf("resolution = %s, want low with default costs", res)
	}
}

func TestAdaptiveBudgetForcesLowResolution(t *testing.T) {
	fuser := NewAdaptiveCrossModalTransformer(8, 1, 4, NewResolutionController(1.0, 0.8))
	embedding := []float64{0.3, 0.3, 0.3, 0.3}
	result := fuser.Fuse([]ModalitySignal{
		{Name: "a", Embedding: embedding, Quality: 1.0},
		{Name: "b", Embedding: embedding, Quality: 1.0},
	}, 1.0, nil)
	resolutions := result.Metadata["resolutions"].(map[string]string)
	if resolutions["a"] != "high" || resolutions["b"] != "low" {
		t.Fatalf("resolutions = %v", resolutions)
	}
}

func TestDiffusionVisionEncoder(t *testing.T) {
	enc := NewDiffusionVisionEncoder(16, 2)
	frames := [][]byte{{1}, {2}, {3}}
	tokens := enc.TokenizeStream(frames)
	if len(tokens) != 2 {
		t.Fatalf("tokens = %d, want 2 full windows", len(tokens))
	}
	video := enc.EncodeVideo(frames)
	var norm float64
	for _, v := range video {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
		t.Fatalf("video norm = %v", math.Sqrt(norm))
	}
}

func TestAdaptiveAudioEncoderCalibration(t *testing.T) {
	enc := NewAdaptiveAudioEncoder(8)
	samples := []float64{0.4, -0.2, 0.6, -0.1, 0.3, 0.2, -0.5, 0.1}
	uncalibrated := enc.Encode(samples, "u1")
	enc.Calibrate("u1", []float64{0.1, 0.1, 0.1})
	calibrated := enc.Encode(samples, "u1")
	same := true
	for i := range uncalibrated {
		if uncalibrated[i] != calibrated[i] {
			same = false
		}
	}
	if same {
		t.Fatal("calibration had no effect")
	}
}

func TestSensorHubSequences(t *testing.T) {
	hub := NewSensorHub()
	hub.Ingest(SensorEvent{Source: "lamp", SignalType: "power", Value: 1, Timestamp: 10})
	hub.Ingest(SensorEvent{Source: "lamp", SignalType: "power", Value: 0, Timestamp: 5})
	hub.Ingest(SensorEvent{Source: "thermostat", SignalType: "temp", Value: 21.5, Timestamp: 7})

	batch := hub.Batch(6, 10)
	if len(batch) != 2 {
		t.Fatalf("batch = %v", batch)
	}
	series := hub.ToSequences()
	power := series["lamp:power"]
	if len(power) != 2 || power[0].Timestamp != 5 || power[1].Timestamp != 10 {
		t.Fatalf("series = %v", power)
	}
}

func TestTemporalAlignment(t *testing.T) {
	engine := NewTemporalAlignmentEngine(120)
	traces := map[string][]TimedValue{
		"base":    {{0, 1}, {100, 2}, {200, 3}},
		"shifted": {{60, 1}, {160, 2}},
	}
	aligned := engine.Align(traces)
	if len(aligned) != 2 {
		t.Fatalf("aligned = %v", aligned)
	}
	// The shifted trace moves toward the baseline timestamps.
	if aligned["shifted"][0].Timestamp >= 60 {
		t.Fatalf("shifted[0] = %v, want earlier timestamp", aligned["shifted"][0])
	}
}

func TestContinualLearnerConsolidation(t *testing.T) {
	learner := NewContinualLearner(0.6)
	first := learner.Train("task-a", map[string]float64{"w": 1.0})
	if math.Abs(first["w"]-1.0) > 1e-9 {
		t.Fatalf("first update = %v", first["w"])
	}
	second := learner.Train("task-b", map[string]float64{"w": 0.0})
	// Importance resists the reversal: the weight must not swing all the
	// way back to zero of a plain overwrite.
	if second["w"] == 0.0 {
		t.Fatalf("second update = %v, consolidation missing", second["w"])
	}
	snapshot := learner.Snapshot()
	tasks := snapshot["tasks"].([]string)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %v", tasks)
	}
}
