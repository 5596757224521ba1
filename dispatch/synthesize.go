package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/creatorhq/maestro/pipeline"
	"github.com/creatorhq/maestro/specialist"
)

type (
	// Synthesizer combines specialist analyses and enrichment into the final
	// user-facing text. Arrival order of responses carries no meaning; the
	// output must not depend on it.
	Synthesizer interface {
		Synthesize(ctx context.Context, message string, responses []specialist.Response, enrichment pipeline.Snapshot) (string, error)
	}

	// SynthesizerFunc adapts a function to the Synthesizer interface.
	SynthesizerFunc func(ctx context.Context, message string, responses []specialist.Response, enrichment pipeline.Snapshot) (string, error)
)

// Synthesize implements Synthesizer.
func (f SynthesizerFunc) Synthesize(ctx context.Context, message string, responses []specialist.Response, enrichment pipeline.Snapshot) (string, error) {
	return f(ctx, message, responses, enrichment)
}

// DefaultSynthesizer is the deterministic fallback synthesizer: it stitches
// specialist summaries, their strongest insights and recommendations, and
// the enrichment footer into a readable answer without any model call.
func DefaultSynthesizer() Synthesizer {
	return SynthesizerFunc(func(_ context.Context, message string, responses []specialist.Response, enrichment pipeline.Snapshot) (string, error) {
		if len(responses) == 0 {
			return generalAnswer(enrichment), nil
		}

		// Sort by agent type so the answer is stable regardless of which
		// specialist finished first.
		sorted := append([]specialist.Response(nil), responses...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentType < sorted[j].AgentType })

		var b strings.Builder
		for _, r := range sorted {
			if r.Analysis.Summary == "" {
				continue
			}
			b.WriteString(fmt.Sprintf("%s: %s\n", displayName(r.AgentType), r.Analysis.Summary))
			for _, ins := range firstN(r.Analysis.KeyInsights, 2) {
				b.WriteString("  - " + ins + "\n")
			}
			for _, rec := range firstN(r.Analysis.Recommendations, 2) {
				b.WriteString("  > " + rec + "\n")
			}
		}
		if footer := enrichmentFooter(enrichment); footer != "" {
			b.WriteString(footer)
		}
		if b.Len() == 0 {
			return generalAnswer(enrichment), nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
}

// generalAnswer covers the path with no specialist contributions: answer
// from enrichment alone.
func generalAnswer(enrichment pipeline.Snapshot) string {
	if enrichment.Quality == pipeline.QualityEmptyFallback {
		return "I don't have analytics context for your channel yet. " +
			"Once your first snapshot is collected I can dig into performance, audience, and growth questions."
	}

	var b strings.Builder
	b.WriteString("Here's where your channel stands right now.\n")
	for _, name := range sortedMetricNames(enrichment.KeyMetrics) {
		b.WriteString(fmt.Sprintf("  %s: %.0f\n", name, enrichment.KeyMetrics[name]))
	}
	for _, ins := range firstN(enrichment.Insights, 3) {
		b.WriteString("  - " + ins + "\n")
	}
	if footer := enrichmentFooter(enrichment); footer != "" {
		b.WriteString(footer)
	}
	return strings.TrimRight(b.String(), "\n")
}

func enrichmentFooter(enrichment pipeline.Snapshot) string {
	switch enrichment.Freshness {
	case pipeline.FreshnessDegraded:
		return "(Analytics data may be slightly out of date.)\n"
	case pipeline.FreshnessUnavailable:
		return "(Live analytics are currently unavailable.)\n"
	}
	return ""
}

func displayName(agentType string) string {
	words := strings.Split(agentType, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func sortedMetricNames(metrics map[string]float64) []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
