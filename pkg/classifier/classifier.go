// Package classifier implements the two-pass content classification of
// spec §4.B step 5: a cheap keyword-match pass against a brand's
// safe/moderate/dangerous keyword sets, escalating to an AI classification
// call only when the keyword pass is ambiguous.
package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

// ambiguousConfidence is the confidence assigned to a keyword hit that by
// itself doesn't meet the violation threshold, triggering AI escalation.
const ambiguousConfidence = 0.45

// keywordHitConfidence is assigned when a dangerous keyword matches and no
// safe keyword also matches the same content (unambiguous).
const keywordHitConfidence = 0.8

// Input is the content a per-site pipeline step wants classified.
type Input struct {
	URL     string
	Body    string
	Profile store.BrandProfile
}

// KeywordMatch runs the first pass: a case-insensitive scan of body text
// against the brand's keyword sets. A dangerous-keyword hit with no
// countervailing safe-keyword hit is treated as an unambiguous violation;
// a dangerous hit alongside a safe hit, or a moderate-only hit, is
// ambiguous and must escalate to AI classification.
func KeywordMatch(in Input) store.Classification {
	body := strings.ToLower(in.Body)

	dangerous := containsAny(body, in.Profile.DangerousKeywords)
	safe := containsAny(body, in.Profile.SafeKeywords)
	moderate := containsAny(body, in.Profile.ModerateKeywords)

	switch {
	case dangerous && !safe:
		return store.Classification{
			Method:      store.DetectionKeywordMatch,
			RiskLevel:   store.RiskHigh,
			Confidence:  keywordHitConfidence,
			IsViolation: true,
		}
	case dangerous && safe, moderate:
		return store.Classification{
			Method:      store.DetectionKeywordMatch,
			RiskLevel:   store.RiskMedium,
			Confidence:  ambiguousConfidence,
			IsViolation: false,
		}
	default:
		return store.Classification{
			Method:      store.DetectionKeywordMatch,
			RiskLevel:   store.RiskLow,
			Confidence:  0.95,
			IsViolation: false,
		}
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// IsAmbiguous reports whether a keyword-match result is inconclusive and
// should escalate to AI classification, per spec §4.B step 5 ("hit with
// low confidence").
func IsAmbiguous(c store.Classification) bool {
	return c.Method == store.DetectionKeywordMatch && c.Confidence <= ambiguousConfidence
}

// AIClassifier calls out to a hosted model to resolve an ambiguous
// keyword-match result.
type AIClassifier interface {
	Classify(ctx context.Context, in Input, keywordResult store.Classification) (store.Classification, error)
}

// Pipeline runs the keyword pass and, on ambiguity, escalates to ai.
type Pipeline struct {
	ai AIClassifier
}

// New builds a Pipeline. ai may be nil, in which case ambiguous
// keyword-match results are returned as-is without escalation.
func New(ai AIClassifier) *Pipeline {
	return &Pipeline{ai: ai}
}

// Classify runs the two-pass classification described in spec §4.B step 5.
func (p *Pipeline) Classify(ctx context.Context, in Input) (store.Classification, error) {
	result := KeywordMatch(in)
	if !IsAmbiguous(result) || p.ai == nil {
		return result, nil
	}

	aiResult, err := p.ai.Classify(ctx, in, result)
	if err != nil {
		return store.Classification{}, fmt.Errorf("ai classification: %w", err)
	}
	aiResult.Method = store.DetectionHybrid
	return aiResult, nil
}
