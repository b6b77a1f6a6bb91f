package rollout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	optimizationHistoryKey = "optimizationHistory"
	transitionHistoryKey   = "transitionHistory"
)

// ErrMalformedConfig marks an existing config document that is not a JSON
// object. Such a document is never overwritten.
var ErrMalformedConfig = errors.New("config document is not a JSON object")

// DecodeConfig parses a config document into a JSON object. Empty content is
// an empty document. Anything that is not a JSON object is an error.
func DecodeConfig(content []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if doc == nil {
		return nil, ErrMalformedConfig
	}
	return doc, nil
}

// EncodeConfig writes the document as two-space indented JSON without HTML
// escaping, so headlines keep their literal characters.
func EncodeConfig(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MergeLPConfig applies an optimization result on top of the current landing
// page config. Fields it does not own are kept, and the optimization is
// appended to the existing history.
func MergeLPConfig(current map[string]any, result OptimizationResult, updatedAt time.Time) map[string]any {
	lp := OptimizedLP{}
	if result.OptimizedLP != nil {
		lp = *result.OptimizedLP
	}
	keywords := lp.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	improvements := result.Improvements
	if improvements == nil {
		improvements = []string{}
	}

	fields := map[string]any{
		"headline":      lp.Headline,
		"description":   lp.Description,
		"ctaText":       lp.CTAText,
		"keywords":      keywords,
		"bidAdjustment": lp.BidAdjustment,
		"metrics":       result.Metrics,
		"improvements":  improvements,
	}
	return mergeWithHistory(current, fields, optimizationHistoryKey, entryTime(result.Timestamp, updatedAt), updatedAt)
}

// MergePhaseConfig moves the phase config to the next phase and records the
// transition in transitionHistory.
func MergePhaseConfig(current map[string]any, result PhaseTransitionResult, updatedAt time.Time) map[string]any {
	at := entryTime(result.Timestamp, updatedAt)
	reasons := result.TransitionDecision.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	fields := map[string]any{
		"currentPhase":   result.NextPhase,
		"phaseConfig":    result.PhaseConfig,
		"lastTransition": at.UTC().Format(time.RFC3339),
		"fromPhase":      result.CurrentPhase,
		"toPhase":        result.NextPhase,
		"confidence":     result.TransitionDecision.Confidence,
		"reasons":        reasons,
		"metrics":        result.Metrics,
	}
	return mergeWithHistory(current, fields, transitionHistoryKey, at, updatedAt)
}

func mergeWithHistory(current, fields map[string]any, historyKey string, entryAt, updatedAt time.Time) map[string]any {
	merged := make(map[string]any, len(current)+len(fields)+2)
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range fields {
		merged[key] = value
	}

	entry := make(map[string]any, len(fields)+1)
	entry["timestamp"] = entryAt.UTC().Format(time.RFC3339)
	for key, value := range fields {
		entry[key] = value
	}

	merged[historyKey] = append(priorHistory(current[historyKey]), entry)
	merged["lastUpdated"] = updatedAt.UTC().Format(time.RFC3339)
	return merged
}

// priorHistory copies an existing history list. A scalar or object found
// under the key is kept as the first entry.
func priorHistory(value any) []any {
	switch existing := value.(type) {
	case nil:
		return []any{}
	case []any:
		history := make([]any, len(existing), len(existing)+1)
		copy(history, existing)
		return history
	default:
		return []any{existing}
	}
}

func entryTime(timestamp, fallback time.Time) time.Time {
	if timestamp.IsZero() {
		return fallback
	}
	return timestamp
}
