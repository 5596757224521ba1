package dispatch

import (
	"context"
	"sort"
	"strings"

	"github.com/creatorhq/maestro/pipeline"
	"github.com/creatorhq/maestro/specialist"
)

// Intent tags beyond the specialist kinds.
const (
	// TagGeneral routes the query past the specialists entirely.
	TagGeneral = "general"
	// TagComprehensive expands to the full specialist set.
	TagComprehensive = "comprehensive"
)

// lowConfidence is the floor under which any classification collapses to
// general.
const lowConfidence = 0.4

// strongConfidence is the bar above which the classifier's full specialist
// suggestion is trusted; between the two bars only the top suggestion runs.
const strongConfidence = 0.7

type (
	// Intent is the classifier's verdict on one query.
	Intent struct {
		// Tag is a specialist kind, general, or comprehensive.
		Tag string `json:"tag"`
		// Confidence is the classifier's certainty in [0, 1].
		Confidence float64 `json:"confidence"`
		// Specialists is the suggested specialist set, strongest first.
		Specialists []string `json:"suggested_specialists,omitempty"`
	}

	// Classifier turns a message plus enrichment into an Intent.
	// Implementations may be heuristic or model-backed; the dispatcher falls
	// back to general on any classification error.
	Classifier interface {
		Classify(ctx context.Context, message string, enrichment pipeline.Snapshot) (Intent, error)
	}

	// ClassifierFunc adapts a function to the Classifier interface.
	ClassifierFunc func(ctx context.Context, message string, enrichment pipeline.Snapshot) (Intent, error)
)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, message string, enrichment pipeline.Snapshot) (Intent, error) {
	return f(ctx, message, enrichment)
}

// domainKeywords scores each specialist domain. A hit is a substring match
// on the lowercased message.
var domainKeywords = map[string][]string{
	specialist.KindContent: {
		"video", "content", "title", "thumbnail", "upload", "perform", "views",
	},
	specialist.KindAudience: {
		"audience", "viewer", "subscriber", "demographic", "retention", "watch time",
	},
	specialist.KindSEO: {
		"seo", "search", "keyword", "tag", "discover", "rank",
	},
	specialist.KindCompetitive: {
		"competitor", "competition", "niche", "trend", "other channels", "versus",
	},
	specialist.KindMonetization: {
		"revenue", "monetiz", "sponsor", "income", "cpm", "earn",
	},
}

var comprehensiveKeywords = []string{
	"everything", "comprehensive", "overall", "full analysis", "complete picture", "all aspects",
}

// HeuristicClassifier is the default deterministic classifier: keyword
// scoring over the enumerated domains, no network access. Model-backed
// classifiers plug in through the same interface.
func HeuristicClassifier() Classifier {
	return ClassifierFunc(func(_ context.Context, message string, _ pipeline.Snapshot) (Intent, error) {
		msg := strings.ToLower(message)

		for _, kw := range comprehensiveKeywords {
			if strings.Contains(msg, kw) {
				return Intent{
					Tag:         TagComprehensive,
					Confidence:  0.9,
					Specialists: specialist.Kinds(),
				}, nil
			}
		}

		type score struct {
			kind string
			hits int
		}
		var scores []score
		for _, kind := range specialist.Kinds() {
			hits := 0
			for _, kw := range domainKeywords[kind] {
				if strings.Contains(msg, kw) {
					hits++
				}
			}
			if hits > 0 {
				scores = append(scores, score{kind: kind, hits: hits})
			}
		}
		if len(scores) == 0 {
			return Intent{Tag: TagGeneral, Confidence: 0.2}, nil
		}
		// Strongest first; ties keep the enumeration order.
		sort.SliceStable(scores, func(i, j int) bool { return scores[i].hits > scores[j].hits })

		suggested := make([]string, len(scores))
		for i, s := range scores {
			suggested[i] = s.kind
		}
		confidence := 0.5 + 0.2*float64(scores[0].hits)
		if confidence > 0.95 {
			confidence = 0.95
		}
		return Intent{Tag: scores[0].kind, Confidence: confidence, Specialists: suggested}, nil
	})
}

// selectSpecialists applies the confidence policy to an intent: strong
// classifications run their full suggestion, middling ones run only the top
// pick, weak or general ones run none, and comprehensive expands to every
// known specialist.
func (d *Dispatcher) selectSpecialists(intent Intent) []string {
	switch {
	case intent.Tag == TagComprehensive:
		return append([]string(nil), d.allSpecialists...)
	case intent.Tag == TagGeneral || intent.Confidence < lowConfidence:
		return nil
	case intent.Confidence >= strongConfidence:
		return append([]string(nil), intent.Specialists...)
	default:
		if len(intent.Specialists) == 0 {
			return nil
		}
		return []string{intent.Specialists[0]}
	}
}
