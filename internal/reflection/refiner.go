package reflection

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/llm"
	"github.com/refinery-agent/refinery/internal/observability"
)

const (
	maxRefinementPasses = 3
	// Passes beyond the first must improve at least this much to continue.
	minPassImprovement = 0.1
)

var (
	wordPattern     = regexp.MustCompile(`[a-zA-Z0-9]+`)
	citationMarkers = regexp.MustCompile(`\[\d+\]`)
)

// Refiner rewrites an answer in up to three model passes, tracking which gaps
// each pass addressed. It never fails: total model failure degrades to the
// original answer with all gaps remaining.
type Refiner struct {
	chat    Chatter
	model   string
	events  events.Sink
	metrics *observability.Metrics
	log     *zap.Logger
}

// NewRefiner wires a refiner. events, metrics, and log may be nil.
func NewRefiner(chat Chatter, model string, sink events.Sink, metrics *observability.Metrics, log *zap.Logger) *Refiner {
	if sink == nil {
		sink = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Refiner{chat: chat, model: model, events: sink, metrics: metrics, log: log}
}

// RefineAnswer runs the rewrite loop. The invariant
// GapsResolved+GapsRemaining == len(gaps) holds on every return path.
func (r *Refiner) RefineAnswer(ctx context.Context, in Input, critique SelfCritique, gaps []Gap) RefinementResult {
	if in.SessionID != "" {
		r.events.Emit(in.SessionID, events.RefinementStarted, map[string]any{
			"gaps":       len(gaps),
			"max_passes": maxRefinementPasses,
		})
	}

	current := in.Answer
	remaining := make([]Gap, len(gaps))
	copy(remaining, gaps)

	var history []RefinementAttempt
	for pass := 1; pass <= maxRefinementPasses; pass++ {
		resp, err := r.chat.Chat(ctx, llm.ChatRequest{
			Model: r.model,
			Messages: []llm.ChatMessage{
				{Role: llm.RoleSystem, Content: buildRefineSystemPrompt()},
				{Role: llm.RoleUser, Content: buildRefineUserPrompt(in.Query, current, critique, remaining, in.Sources, history)},
			},
		})
		if err != nil {
			r.metrics.RecordModelFailure("refiner", r.model)
			r.log.Warn("refinement pass failed", zap.Int("pass", pass), zap.Error(err))
			break
		}
		r.metrics.RecordModelUsage("refiner", resp.Model)
		r.metrics.RecordRefinementPass()

		refined := strings.TrimSpace(resp.Message.Content)
		addressed, stillOpen := splitAddressed(remaining, current, refined)
		improvement := passImprovement(len(addressed), len(remaining), current, refined)

		attempt := RefinementAttempt{
			Iteration:     pass,
			RefinedAnswer: refined,
			Improvement:   improvement,
			AddressedGaps: gapIDs(addressed),
			RemainingGaps: gapIDs(stillOpen),
		}
		history = append(history, attempt)
		current = refined
		remaining = stillOpen

		if in.SessionID != "" {
			r.events.Emit(in.SessionID, events.RefinementPass, map[string]any{
				"pass":        pass,
				"improvement": improvement,
				"addressed":   len(addressed),
				"remaining":   len(remaining),
			})
		}

		if len(remaining) == 0 {
			break
		}
		if pass > 1 && improvement < minPassImprovement {
			break
		}
	}

	if len(history) == 0 {
		if in.SessionID != "" {
			r.events.Emit(in.SessionID, events.RefinementFailed, map[string]any{
				"reason": "no refinement pass completed",
			})
		}
		return RefinementResult{
			FinalAnswer:       in.Answer,
			RefinementHistory: []RefinementAttempt{},
			TotalImprovement:  0,
			GapsResolved:      0,
			GapsRemaining:     len(gaps),
		}
	}

	result := RefinementResult{
		FinalAnswer:       current,
		RefinementHistory: history,
		TotalImprovement:  weightedImprovement(history),
		GapsResolved:      len(gaps) - len(remaining),
		GapsRemaining:     len(remaining),
	}
	if in.SessionID != "" {
		r.events.Emit(in.SessionID, events.RefinementCompleted, map[string]any{
			"passes":            len(history),
			"total_improvement": result.TotalImprovement,
			"gaps_resolved":     result.GapsResolved,
			"gaps_remaining":    result.GapsRemaining,
		})
	}
	return result
}

// splitAddressed applies the keyword-overlap heuristic: a gap counts as
// addressed when its keywords occur more than one extra time in the refined
// answer compared to the previous one.
func splitAddressed(gaps []Gap, before, after string) (addressed, remaining []Gap) {
	beforeLower := strings.ToLower(before)
	afterLower := strings.ToLower(after)
	for _, g := range gaps {
		keywords := gapKeywords(g)
		if countKeywords(afterLower, keywords) > countKeywords(beforeLower, keywords)+1 {
			addressed = append(addressed, g)
		} else {
			remaining = append(remaining, g)
		}
	}
	return addressed, remaining
}

// gapKeywords extracts the deduplicated lowercase tokens longer than three
// characters from a gap's description and suggested action.
func gapKeywords(g Gap) []string {
	seen := make(map[string]struct{})
	var keywords []string
	for _, tok := range wordPattern.FindAllString(g.Description+" "+g.SuggestedAction, -1) {
		tok = strings.ToLower(tok)
		if len(tok) <= 3 {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		keywords = append(keywords, tok)
	}
	return keywords
}

func countKeywords(textLower string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		n += strings.Count(textLower, kw)
	}
	return n
}

// passImprovement scores one pass: 60% gap share, 20% length stability,
// 20% citation structure. Clamped to [0,1].
func passImprovement(addressedCount, totalGaps int, before, after string) float64 {
	gapShare := 0.0
	if totalGaps > 0 {
		gapShare = float64(addressedCount) / float64(totalGaps)
	}

	lengthFactor := 0.0
	if len(before) > 0 {
		ratio := float64(len(after)) / float64(len(before))
		if ratio >= 0.9 && ratio <= 1.3 {
			lengthFactor = 1
		} else {
			lengthFactor = 1 - absFloat(1-ratio)
			if lengthFactor < 0 {
				lengthFactor = 0
			}
		}
	}

	structuralFactor := 0.5
	if len(citationMarkers.FindAllString(after, -1)) > len(citationMarkers.FindAllString(before, -1)) {
		structuralFactor = 1
	}

	score := 0.6*gapShare + 0.2*lengthFactor + 0.2*structuralFactor
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// weightedImprovement averages pass improvements with weights 1/(i+1) for
// pass i, normalized by the weights actually used. Earlier passes count more.
func weightedImprovement(history []RefinementAttempt) float64 {
	var sum, weightSum float64
	for _, att := range history {
		w := 1.0 / float64(att.Iteration+1)
		sum += w * att.Improvement
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

func gapIDs(gaps []Gap) []string {
	ids := make([]string, 0, len(gaps))
	for _, g := range gaps {
		ids = append(ids, g.ID)
	}
	return ids
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
