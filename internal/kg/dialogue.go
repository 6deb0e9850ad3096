package kg

import (
	"fmt"
	"sort"
	"strings"
)

// DialogueEvent is one compressed utterance.
type DialogueEvent struct {
	ID         string   `json:"id"`
	Session    string   `json:"session"`
	Actors     []string `json:"actors"`
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords"`
	Importance float64  `json:"importance"`
}

// CausalLink connects two dialogue events that share topics or carry a
// temporal cue.
type CausalLink struct {
	Cause      string `json:"cause"`
	Effect     string `json:"effect"`
	Reason     string `json:"reason"`
	Prediction string `json:"prediction"`
}

// DialogueDigest is the compressed form of a dialogue session.
type DialogueDigest struct {
	Session     string          `json:"session"`
	Events      []DialogueEvent `json:"events"`
	Summary     string          `json:"summary"`
	CausalLinks []CausalLink    `json:"causal_links"`
}

var stopwords = map[string]struct{}{
	"this": {},
	"that": {},
	"have": {},
	"with": {},
}

var causalCues = []string{"because", "therefore", "so", "hence"}

// CompressDialogue reduces a dialogue into abstract events with inferred
// causal links and a session summary.
func (g *Graph) CompressDialogue(utterances []string, sessionID string) DialogueDigest {
	events := make([]DialogueEvent, 0, len(utterances))
	keywordCounts := make(map[string]int)
	for index, utterance := range utterances {
		actor, content := splitActorContent(utterance)
		keywords := extractKeywords(content)
		for _, keyword := range keywords {
			keywordCounts[keyword]++
		}
		var actors []string
		if actor != "" {
			actors = []string{actor}
		}
		importance := 0.25 + float64(len(strings.Fields(content)))/40.0
		if importance > 1.0 {
			importance = 1.0
		}
		events = append(events, DialogueEvent{
			ID:         fmt.Sprintf("%s:%03d", sessionID, index+1),
			Session:    sessionID,
			Actors:     actors,
			Summary:    summarizeText(content),
			Keywords:   keywords,
			Importance: importance,
		})
	}
	return DialogueDigest{
		Session:     sessionID,
		Events:      events,
		Summary:     composeDialogueSummary(events, keywordCounts),
		CausalLinks: inferCausalLinks(events),
	}
}

func splitActorContent(utterance string) (actor, content string) {
	if idx := strings.Index(utterance, ":"); idx >= 0 {
		return strings.TrimSpace(utterance[:idx]), strings.TrimSpace(utterance[idx+1:])
	}
	return "", strings.TrimSpace(utterance)
}

func extractKeywords(content string) []string {
	var keywords []string
	seen := make(map[string]struct{})
	for _, token := range wordPattern.FindAllString(strings.ToLower(content), -1) {
		if len(token) <= 3 {
			continue
		}
		if _, stop := stopwords[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		keywords = append(keywords, token)
		if len(keywords) == 8 {
			break
		}
	}
	return keywords
}

func summarizeText(content string) string {
	words := strings.Fields(content)
	if len(words) <= 12 {
		return content
	}
	return strings.Join(words[:12], " ") + " ..."
}

func inferCausalLinks(events []DialogueEvent) []CausalLink {
	var links []CausalLink
	for i := 1; i < len(events); i++ {
		previous, current := events[i-1], events[i]
		shared := sharedKeywords(previous.Keywords, current.Keywords)
		cue := false
		summary := strings.ToLower(current.Summary)
		for _, term := range causalCues {
			if strings.Contains(summary, term) {
				cue = true
				break
			}
		}
		if len(shared) == 0 && !cue {
			continue
		}
		reason := "temporal_cue"
		if len(shared) > 0 {
			reason = "shared_topic"
		}
		links = append(links, CausalLink{
			Cause:      previous.ID,
			Effect:     current.ID,
			Reason:     reason,
			Prediction: forecastConsequence(current, shared),
		})
	}
	return links
}

func sharedKeywords(left, right []string) []string {
	set := make(map[string]struct{}, len(left))
	for _, k := range left {
		set[k] = struct{}{}
	}
	var shared []string
	for _, k := range right {
		if _, ok := set[k]; ok {
			shared = append(shared, k)
		}
	}
	sort.Strings(shared)
	return shared
}

func forecastConsequence(event DialogueEvent, shared []string) string {
	if len(shared) > 0 {
		return fmt.Sprintf("Follow-up actions likely required around: %s.", strings.Join(shared, ", "))
	}
	return fmt.Sprintf("Monitor downstream impact of event %s", event.ID)
}

func composeDialogueSummary(events []DialogueEvent, keywords map[string]int) string {
	if len(events) == 0 {
		return "dialogue empty"
	}
	type count struct {
		keyword string
		n       int
	}
	counts := make([]count, 0, len(keywords))
	for keyword, n := range keywords {
		counts = append(counts, count{keyword, n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].n != counts[j].n {
			return counts[i].n > counts[j].n
		}
		return counts[i].keyword < counts[j].keyword
	})
	if len(counts) > 3 {
		counts = counts[:3]
	}
	top := make([]string, 0, len(counts))
	for _, c := range counts {
		top = append(top, c.keyword)
	}
	if len(top) == 0 {
		return fmt.Sprintf("%d events captured.", len(events))
	}
	return fmt.Sprintf("%d events captured. Key topics: %s", len(events), strings.Join(top, ", "))
}
