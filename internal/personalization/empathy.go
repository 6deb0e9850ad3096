package personalization

// EmpathyContext carries the signals observed during the current turn.
type EmpathyContext struct {
	Sentiment     float64 `json:"sentiment"`
	Urgency       float64 `json:"urgency"`
	Energy        float64 `json:"energy"`
	Medium        string  `json:"medium,omitempty"`
	CognitiveLoad float64 `json:"cognitive_load,omitempty"`
}

// Adjustments describes how the assistant should respond right now.
type Adjustments struct {
	Tone            float64
	Tempo           float64
	Formality       float64
	Acknowledgement bool
	Hints           map[string]float64
}

// AsMetadata flattens the adjustments for journaling.
func (a Adjustments) AsMetadata() map[string]any {
	out := map[string]any{
		"tone":             a.Tone,
		"tempo":            a.Tempo,
		"style::formality": a.Formality,
		"acknowledgement":  a.Acknowledgement,
	}
	for key, value := range a.Hints {
		out[key] = value
	}
	return out
}

// EmpathyModulator derives tone, tempo and style adjustments from a profile
// and the current turn context.
type EmpathyModulator struct {
	shortWindow int
}

// NewEmpathyModulator returns a modulator averaging the last six emotion
// snapshots for short-term trend.
func NewEmpathyModulator() *EmpathyModulator {
	return &EmpathyModulator{shortWindow: 6}
}

// Modulate computes the response adjustments. Tone stays in [-1, 1], tempo
// in [0.2, 3.0], every style dimension in [-1, 1].
func (m *EmpathyModulator) Modulate(profile UserProfile, ctx EmpathyContext) Adjustments {
	tone := clamp(profile.TonePreference+0.5*ctx.Sentiment-0.2*ctx.Urgency, -1, 1)
	tempo := clamp(profile.TempoPreference+0.4*ctx.Urgency+0.3*ctx.Energy, 0.2, 3.0)

	structure := profile.CognitivePreferences["structure"]
	formality := clamp(
		profile.FormalityBias+0.2*structure-0.1*profile.EmotionBaseline.Dominance,
		-1, 1,
	)

	history := profile.EmotionHistory
	if len(history) > m.shortWindow {
		history = history[len(history)-m.shortWindow:]
	}
	shortTerm := averageSnapshots(history)
	acknowledgement := shortTerm.Sentiment < -0.1 || ctx.Sentiment < -0.1

	hints := map[string]float64{
		"response_length": clamp(profile.ResponseLengthBias-0.2*ctx.CognitiveLoad, -1, 1),
		"empathy_boost":   clamp(profile.EmotionBaseline.Sentiment-shortTerm.Sentiment, 0, 1),
	}
	if ctx.Medium == "voice" {
		hints["prosody::warmth"] = clamp(tone+0.1, -1, 1)
		hints["prosody::pace"] = tempo
	}
	return Adjustments{
		Tone:            tone,
		Tempo:           tempo,
		Formality:       formality,
		Acknowledgement: acknowledgement,
		Hints:           hints,
	}
}

func clamp(value, lower, upper float64) float64 {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
