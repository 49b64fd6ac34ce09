package reflection

import (
	"context"

	"go.uber.org/zap"

	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/llm"
	"github.com/refinery-agent/refinery/internal/llmjson"
	"github.com/refinery-agent/refinery/internal/observability"
)

const missingAssessment = "No overall assessment provided"

// Critic produces a structured self-critique of an answer. It never fails:
// model or parse errors degrade to a fixed fallback critique.
type Critic struct {
	chat    Chatter
	model   string
	events  events.Sink
	metrics *observability.Metrics
	log     *zap.Logger
}

// NewCritic wires a critic. events, metrics, and log may be nil.
func NewCritic(chat Chatter, model string, sink events.Sink, metrics *observability.Metrics, log *zap.Logger) *Critic {
	if sink == nil {
		sink = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Critic{chat: chat, model: model, events: sink, metrics: metrics, log: log}
}

// CritiqueSynthesis critiques the answer against its sources, gaps, and the
// confidence snapshot. confidence may be nil.
func (c *Critic) CritiqueSynthesis(ctx context.Context, in Input, gaps []Gap, confidence *ConfidenceResult) SelfCritique {
	if in.SessionID != "" {
		c.events.Emit(in.SessionID, events.SelfCritiqueStarted, map[string]any{
			"gaps": len(gaps),
		})
	}

	critique, err := c.requestCritique(ctx, in, gaps, confidence)
	if err != nil {
		c.metrics.RecordModelFailure("critic", c.model)
		c.log.Warn("self-critique failed, using fallback", zap.Error(err))
		if in.SessionID != "" {
			c.events.Emit(in.SessionID, events.SelfCritiqueFailed, map[string]any{
				"reason": err.Error(),
			})
		}
		return fallbackCritique(err)
	}

	critique.Confidence = critiqueConfidence(critique, len(gaps), len(in.Sources))

	if in.SessionID != "" {
		c.events.Emit(in.SessionID, events.SelfCritiqueCompleted, map[string]any{
			"confidence":      critique.Confidence,
			"critical_issues": len(critique.CriticalIssues),
		})
	}
	return critique
}

func (c *Critic) requestCritique(ctx context.Context, in Input, gaps []Gap, confidence *ConfidenceResult) (SelfCritique, error) {
	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: buildCritiqueSystemPrompt()},
			{Role: llm.RoleUser, Content: buildCritiqueUserPrompt(in.Query, in.Answer, in.Sources, gaps, confidence)},
		},
	})
	if err != nil {
		return SelfCritique{}, err
	}
	c.metrics.RecordModelUsage("critic", resp.Model)

	// Decode into a loose map so a wrong-typed field drops to its zero
	// value instead of failing the whole critique.
	var fields map[string]any
	if err := llmjson.DecodeObject(resp.Message.Content, &fields); err != nil {
		return SelfCritique{}, err
	}

	critique := SelfCritique{
		OverallAssessment:     stringField(fields, "overallAssessment"),
		Strengths:             stringListField(fields, "strengths"),
		Weaknesses:            stringListField(fields, "weaknesses"),
		CriticalIssues:        stringListField(fields, "criticalIssues"),
		SuggestedImprovements: stringListField(fields, "suggestedImprovements"),
	}
	if critique.OverallAssessment == "" {
		critique.OverallAssessment = missingAssessment
	}
	return critique, nil
}

// critiqueConfidence grades the critique itself: completeness, depth,
// balance, consistency with the known gaps, and source availability.
func critiqueConfidence(c SelfCritique, gapCount, sourceCount int) float64 {
	score := 0.5

	if len(c.Strengths) > 0 && len(c.Weaknesses) > 0 && len(c.SuggestedImprovements) > 0 {
		score += 0.3
	}

	items := 0
	chars := 0
	for _, list := range [][]string{c.Strengths, c.Weaknesses, c.SuggestedImprovements} {
		for _, it := range list {
			items++
			chars += len(it)
		}
	}
	if items > 0 {
		avg := float64(chars) / float64(items)
		if avg > 50 {
			score += 0.15
		} else if avg > 30 {
			score += 0.1
		}
	}

	if len(c.Strengths) > 0 && len(c.Weaknesses) > 0 {
		score += 0.2
	}

	if gapCount > 0 && len(c.CriticalIssues) > 0 {
		score += 0.1
	} else if gapCount == 0 && len(c.CriticalIssues) == 0 {
		score += 0.05
	}

	if sourceCount > 0 {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// fallbackCritique is returned on any failure; its confidence is pinned, not
// computed by the formula.
func fallbackCritique(err error) SelfCritique {
	return SelfCritique{
		OverallAssessment: "Automatic critique unavailable: " + err.Error(),
		Strengths:         []string{"Answer was produced and is available for review"},
		Weaknesses:        []string{"Critique generation failed; weaknesses could not be assessed"},
		CriticalIssues:    []string{"Self-critique step failed: " + err.Error()},
		SuggestedImprovements: []string{
			"Retry the critique once the language model is reachable",
		},
		Confidence: 0.3,
	}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func stringListField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
