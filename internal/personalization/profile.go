// Package personalization keeps all behavioural profiling on device:
// interaction signals blend into per-user preferences, emotion snapshots
// drift a baseline, and federated updates leave the device only as clipped
// aggregates.
package personalization

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultDecay      = 0.85
	emotionHistoryCap = 64
)

// InteractionSignal is a single behavioural observation.
type InteractionSignal struct {
	Type      string
	Value     float64
	Weight    float64
	Timestamp time.Time
}

// EmotionalSnapshot captures sentiment, arousal and dominance at a moment.
type EmotionalSnapshot struct {
	Sentiment float64   `json:"sentiment"`
	Arousal   float64   `json:"arousal"`
	Dominance float64   `json:"dominance"`
	Timestamp time.Time `json:"timestamp"`
}

func averageSnapshots(history []EmotionalSnapshot) EmotionalSnapshot {
	if len(history) == 0 {
		return EmotionalSnapshot{}
	}
	var out EmotionalSnapshot
	for _, s := range history {
		out.Sentiment += s.Sentiment
		out.Arousal += s.Arousal
		out.Dominance += s.Dominance
	}
	n := float64(len(history))
	out.Sentiment /= n
	out.Arousal /= n
	out.Dominance /= n
	out.Timestamp = history[len(history)-1].Timestamp
	return out
}

// Achievement marks an unlocked milestone.
type Achievement struct {
	Identifier  string    `json:"identifier"`
	Description string    `json:"description"`
	UnlockedAt  time.Time `json:"unlocked_at"`
}

// UserProfile aggregates preferences inferred from local signals.
type UserProfile struct {
	UserID               string
	TonePreference       float64
	TempoPreference      float64
	FormalityBias        float64
	ResponseLengthBias   float64
	StyleVector          map[string]float64
	CognitivePreferences map[string]float64
	EmotionBaseline      EmotionalSnapshot
	EmotionHistory       []EmotionalSnapshot
	Achievements         map[string]Achievement
	LastUpdated          time.Time
}

func newProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID:               userID,
		TempoPreference:      1.0,
		StyleVector:          make(map[string]float64),
		CognitivePreferences: make(map[string]float64),
		Achievements:         make(map[string]Achievement),
	}
}

// Export returns a copy safe to serialize or journal.
func (p *UserProfile) Export() map[string]any {
	style := make(map[string]float64, len(p.StyleVector))
	for k, v := range p.StyleVector {
		style[k] = v
	}
	cognitive := make(map[string]float64, len(p.CognitivePreferences))
	for k, v := range p.CognitivePreferences {
		cognitive[k] = v
	}
	achievements := make(map[string]string, len(p.Achievements))
	for k, v := range p.Achievements {
		achievements[k] = v.Description
	}
	return map[string]any{
		"user_id":              p.UserID,
		"tone_preference":      p.TonePreference,
		"tempo_preference":     p.TempoPreference,
		"formality_bias":       p.FormalityBias,
		"response_length_bias": p.ResponseLengthBias,
		"style_vector":         style,
		"cognitive":            cognitive,
		"emotion_baseline": map[string]any{
			"sentiment": p.EmotionBaseline.Sentiment,
			"arousal":   p.EmotionBaseline.Arousal,
			"dominance": p.EmotionBaseline.Dominance,
		},
		"achievements": achievements,
		"last_updated": p.LastUpdated,
	}
}

// OnDeviceProfiler blends interaction signals into per-user profiles. Raw
// signals never leave the process.
type OnDeviceProfiler struct {
	mu       sync.Mutex
	decay    float64
	profiles map[string]*UserProfile
	now      func() time.Time
}

// ProfilerOption configures an OnDeviceProfiler.
type ProfilerOption func(*OnDeviceProfiler)

// WithDecay overrides the exponential decay, which must stay in (0, 1].
func WithDecay(decay float64) ProfilerOption {
	return func(p *OnDeviceProfiler) {
		if decay > 0 && decay <= 1 {
			p.decay = decay
		}
	}
}

// WithProfilerClock injects a clock for deterministic tests.
func WithProfilerClock(now func() time.Time) ProfilerOption {
	return func(p *OnDeviceProfiler) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProfiler returns a profiler with decay 0.85.
func NewProfiler(opts ...ProfilerOption) *OnDeviceProfiler {
	p := &OnDeviceProfiler{
		decay:    defaultDecay,
		profiles: make(map[string]*UserProfile),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OnDeviceProfiler) profileLocked(userID string) *UserProfile {
	profile, ok := p.profiles[userID]
	if !ok {
		profile = newProfile(userID)
		p.profiles[userID] = profile
	}
	return profile
}

// Record folds a single signal into the user's profile and returns a copy of
// the updated profile.
func (p *OnDeviceProfiler) Record(userID string, signal InteractionSignal) UserProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.profileLocked(userID)
	p.recordLocked(profile, signal)
	return snapshotProfile(profile)
}

// BulkRecord folds a sequence of signals atomically.
func (p *OnDeviceProfiler) BulkRecord(userID string, signals []InteractionSignal) UserProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.profileLocked(userID)
	for _, signal := range signals {
		p.recordLocked(profile, signal)
	}
	return snapshotProfile(profile)
}

func (p *OnDeviceProfiler) recordLocked(profile *UserProfile, signal InteractionSignal) {
	ts := signal.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	profile.LastUpdated = ts
	weight := signal.Weight
	if weight == 0 {
		weight = 1.0
	}
	switch {
	case signal.Type == "tone":
		profile.TonePreference = p.blend(profile.TonePreference, signal.Value, weight)
	case signal.Type == "tempo":
		profile.TempoPreference = p.blend(profile.TempoPreference, signal.Value, weight)
	case signal.Type == "formality":
		profile.FormalityBias = p.blend(profile.FormalityBias, signal.Value, weight)
	case signal.Type == "response_length":
		profile.ResponseLengthBias = p.blend(profile.ResponseLengthBias, signal.Value, weight)
	case strings.HasPrefix(signal.Type, "emotion::"):
		p.recordEmotion(profile, strings.TrimPrefix(signal.Type, "emotion::"), signal.Value, ts)
	case strings.HasPrefix(signal.Type, "cog::"):
		key := strings.TrimPrefix(signal.Type, "cog::")
		profile.CognitivePreferences[key] = p.blend(profile.CognitivePreferences[key], signal.Value, weight)
	default:
		key := strings.TrimPrefix(signal.Type, "style::")
		profile.StyleVector[key] = p.blend(profile.StyleVector[key], signal.Value, weight)
	}
}

func (p *OnDeviceProfiler) recordEmotion(profile *UserProfile, dimension string, value float64, ts time.Time) {
	baseline := &profile.EmotionBaseline
	switch dimension {
	case "sentiment":
		baseline.Sentiment = p.blend(baseline.Sentiment, value, 1.0)
	case "arousal":
		baseline.Arousal = p.blend(baseline.Arousal, value, 1.0)
	case "dominance":
		baseline.Dominance = p.blend(baseline.Dominance, value, 1.0)
	default:
		return
	}
	baseline.Timestamp = ts

	snapshot := *baseline
	snapshot.Timestamp = ts
	profile.EmotionHistory = append(profile.EmotionHistory, snapshot)
	if len(profile.EmotionHistory) > emotionHistoryCap {
		profile.EmotionHistory = profile.EmotionHistory[len(profile.EmotionHistory)-emotionHistoryCap:]
	}
}

// Unlock records an achievement on the profile.
func (p *OnDeviceProfiler) Unlock(userID string, achievement Achievement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.profileLocked(userID)
	if achievement.UnlockedAt.IsZero() {
		achievement.UnlockedAt = p.now()
	}
	profile.Achievements[achievement.Identifier] = achievement
}

// Profile returns a copy of the user's profile, creating it when absent.
func (p *OnDeviceProfiler) Profile(userID string) UserProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return snapshotProfile(p.profileLocked(userID))
}

// Export returns the profile as a journal-safe map.
func (p *OnDeviceProfiler) Export(userID string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileLocked(userID).Export()
}

// Users lists known user ids in sorted order.
func (p *OnDeviceProfiler) Users() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]string, 0, len(p.profiles))
	for id := range p.profiles {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// blend applies the decayed exponential update. Weight is capped at 10 so a
// single heavy signal cannot swamp the profile.
func (p *OnDeviceProfiler) blend(previous, value, weight float64) float64 {
	alpha := weight
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 10 {
		alpha = 10
	}
	mix := alpha / (alpha + 1.0)
	return previous*p.decay*(1.0-mix) + value*mix
}

func snapshotProfile(profile *UserProfile) UserProfile {
	out := *profile
	out.StyleVector = make(map[string]float64, len(profile.StyleVector))
	for k, v := range profile.StyleVector {
		out.StyleVector[k] = v
	}
	out.CognitivePreferences = make(map[string]float64, len(profile.CognitivePreferences))
	for k, v := range profile.CognitivePreferences {
		out.CognitivePreferences[k] = v
	}
	out.Achievements = make(map[string]Achievement, len(profile.Achievements))
	for k, v := range profile.Achievements {
		out.Achievements[k] = v
	}
	out.EmotionHistory = append([]EmotionalSnapshot(nil), profile.EmotionHistory...)
	return out
}
