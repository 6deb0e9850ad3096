package rag

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// NormalizeCacheValue converts a modality value into a canonical
// JSON-friendly form: bytes collapse to their sha1 hex, nested slices and
// maps normalize recursively, scalars pass through and anything else renders
// as its string form.
func NormalizeCacheValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		digest := sha1.Sum(v)
		return hex.EncodeToString(digest[:])
	case string, bool, int, int64, float64, float32:
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = NormalizeCacheValue(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case []float64:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = NormalizeCacheValue(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", v)
	}
}

// OfflineKey derives the offline-cache key from the canonical request
// inputs.
func OfflineKey(user, goal string, modalities map[string]any, transcript string, tags []string) string {
	canonical := make(map[string]any, len(modalities))
	for key, value := range modalities {
		canonical[key] = NormalizeCacheValue(value)
	}
	return hashKey(map[string]any{
		"user":       user,
		"goal":       goal,
		"modalities": canonical,
		"transcript": transcript,
		"tags":       sortedUnique(tags),
	})
}

// AnswerKey derives the RAG-cache key for a retrieval query.
func AnswerKey(user, query string, tags, modalities []string, topK int) string {
	return hashKey(map[string]any{
		"user":       user,
		"query":      query,
		"tags":       sortedUnique(tags),
		"modalities": sortedUnique(modalities),
		"top_k":      topK,
	})
}

// hashKey is sha256 over the RFC 8785 canonical JSON of the payload.
func hashKey(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:])
}

func sortedUnique(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
