// Package scoring provides the default confidence scorer used when the
// pipeline supplies no upstream scores: a cheap heuristic over citation
// density, source coverage, and hedging language.
package scoring

import (
	"context"
	"regexp"
	"strings"

	"github.com/refinery-agent/refinery/internal/reflection"
)

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

var hedgingTerms = []string{
	"might", "perhaps", "possibly", "unclear", "uncertain",
	"may be", "could be", "it seems", "arguably",
}

// HeuristicScorer grades answers without calling a model.
type HeuristicScorer struct{}

func NewHeuristicScorer() *HeuristicScorer { return &HeuristicScorer{} }

// ScoreConfidence combines three signals into [0,1]:
// citation density (40%), source coverage by citation index (40%),
// and absence of hedging language (20%).
func (h *HeuristicScorer) ScoreConfidence(_ context.Context, answer string, sources []reflection.Source, _ string) (reflection.ConfidenceResult, error) {
	sentences := countSentences(answer)
	matches := citationPattern.FindAllStringSubmatch(answer, -1)

	citationScore := 0.0
	if sentences > 0 {
		density := float64(len(matches)) / float64(sentences)
		if density > 1 {
			density = 1
		}
		citationScore = density
	}

	coverageScore := 0.0
	if len(sources) > 0 {
		cited := make(map[string]struct{})
		for _, m := range matches {
			cited[m[1]] = struct{}{}
		}
		coverage := float64(len(cited)) / float64(len(sources))
		if coverage > 1 {
			coverage = 1
		}
		coverageScore = coverage
	}

	lower := strings.ToLower(answer)
	hedges := 0
	for _, term := range hedgingTerms {
		hedges += strings.Count(lower, term)
	}
	hedgeScore := 1.0 - 0.1*float64(hedges)
	if hedgeScore < 0 {
		hedgeScore = 0
	}

	overall := 0.4*citationScore + 0.4*coverageScore + 0.2*hedgeScore

	var recs []string
	if citationScore < 0.5 {
		recs = append(recs, "add inline citations for unsupported statements")
	}
	if len(sources) > 0 && coverageScore < 0.5 {
		recs = append(recs, "draw on more of the available sources")
	}
	if hedges > 2 {
		recs = append(recs, "replace hedging language with sourced statements")
	}

	return reflection.ConfidenceResult{
		OverallConfidence: overall,
		Level:             Level(overall),
		Methodology:       "heuristic: citation density, source coverage, hedging",
		Recommendations:   recs,
	}, nil
}

// Level maps a confidence value to its label.
func Level(confidence float64) string {
	switch {
	case confidence < 0.3:
		return "very_low"
	case confidence < 0.5:
		return "low"
	case confidence < 0.7:
		return "medium"
	case confidence < 0.85:
		return "high"
	default:
		return "very_high"
	}
}

func countSentences(s string) int {
	n := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 && strings.TrimSpace(s) != "" {
		n = 1
	}
	return n
}
