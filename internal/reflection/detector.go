package reflection

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/llm"
	"github.com/refinery-agent/refinery/internal/llmjson"
	"github.com/refinery-agent/refinery/internal/observability"
)

const llmGapDescriptionLimit = 200

// Detector finds typed, severity-ranked gaps in an answer by combining four
// strategies: weak claims, model-assisted missing information, source
// coverage, and contradictions.
type Detector struct {
	chat    Chatter
	model   string
	events  events.Sink
	metrics *observability.Metrics
	log     *zap.Logger
}

// NewDetector wires a detector. events, metrics, and log may be nil.
func NewDetector(chat Chatter, model string, sink events.Sink, metrics *observability.Metrics, log *zap.Logger) *Detector {
	if sink == nil {
		sink = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{chat: chat, model: model, events: sink, metrics: metrics, log: log}
}

// DetectGaps runs all four strategies and concatenates their findings in a
// fixed order regardless of completion order. Empty inputs are valid and
// produce no gaps. A failing model call empties only the model-assisted
// strategy.
func (d *Detector) DetectGaps(ctx context.Context, in Input) []Gap {
	if in.SessionID != "" {
		d.events.Emit(in.SessionID, events.GapDetectionStarted, map[string]any{
			"claims":  len(in.Claims),
			"sources": len(in.Sources),
		})
	}

	var results [4][]Gap
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results[0] = d.weakClaimGaps(in)
		return nil
	})
	g.Go(func() error {
		results[1] = d.missingInfoGaps(gctx, in)
		return nil
	})
	g.Go(func() error {
		results[2] = d.coverageGaps(in)
		return nil
	})
	g.Go(func() error {
		results[3] = d.contradictionGaps(in)
		return nil
	})
	_ = g.Wait() // strategies recover internally and never return errors

	var gaps []Gap
	for _, r := range results {
		gaps = append(gaps, r...)
	}

	counts := map[GapType]int{}
	for _, gap := range gaps {
		counts[gap.Type]++
		d.metrics.RecordGap(string(gap.Type), string(gap.Severity))
		if in.SessionID != "" {
			d.events.Emit(in.SessionID, events.GapDetected, map[string]any{
				"id":          gap.ID,
				"type":        string(gap.Type),
				"severity":    string(gap.Severity),
				"description": gap.Description,
			})
		}
	}

	d.log.Debug("gap detection finished",
		zap.String("session", in.SessionID),
		zap.Int("gaps", len(gaps)),
		zap.Int("weak_claim", counts[GapWeakClaim]),
		zap.Int("missing_info", counts[GapMissingInfo]),
		zap.Int("incomplete_coverage", counts[GapIncompleteCoverage]),
		zap.Int("contradiction", counts[GapContradiction]))

	if in.SessionID != "" {
		d.events.Emit(in.SessionID, events.GapDetectionCompleted, map[string]any{
			"total":               len(gaps),
			"weak_claim":          counts[GapWeakClaim],
			"missing_info":        counts[GapMissingInfo],
			"incomplete_coverage": counts[GapIncompleteCoverage],
			"contradiction":       counts[GapContradiction],
		})
	}
	return gaps
}

// weakClaimGaps flags every claim whose confidence is below 0.5.
func (d *Detector) weakClaimGaps(in Input) []Gap {
	var gaps []Gap
	for _, cc := range in.ClaimConfidences {
		if cc.Confidence >= 0.5 {
			continue
		}
		gaps = append(gaps, Gap{
			ID:       uuid.NewString(),
			Type:     GapWeakClaim,
			Severity: SeverityMajor,
			Description: fmt.Sprintf("Claim %s has low confidence (%.1f%%)",
				cc.ClaimID, cc.Confidence*100),
			SuggestedAction: "Find additional supporting sources or add uncertainty qualifiers",
			Confidence:      cc.Confidence,
			RelatedClaim:    cc.ClaimID,
		})
	}
	return gaps
}

type missingInfoItem struct {
	Description     string `json:"description"`
	Severity        string `json:"severity"`
	SuggestedAction string `json:"suggestedAction"`
}

// missingInfoGaps asks the model for unaddressed aspects of the query.
// Any model or parse failure yields zero gaps for this strategy only.
func (d *Detector) missingInfoGaps(ctx context.Context, in Input) []Gap {
	if d.chat == nil {
		return nil
	}
	resp, err := d.chat.Chat(ctx, llm.ChatRequest{
		Model: d.model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: buildGapSystemPrompt()},
			{Role: llm.RoleUser, Content: buildGapUserPrompt(in.Query, in.Answer, in.Sources)},
		},
	})
	if err != nil {
		d.metrics.RecordModelFailure("detector", d.model)
		d.log.Warn("missing-info detection skipped", zap.Error(err))
		return nil
	}
	d.metrics.RecordModelUsage("detector", resp.Model)

	var items []missingInfoItem
	if err := llmjson.DecodeArray(resp.Message.Content, &items); err != nil {
		d.log.Warn("missing-info response unparseable", zap.Error(err))
		return nil
	}

	var gaps []Gap
	for _, it := range items {
		if strings.TrimSpace(it.Description) == "" || strings.TrimSpace(it.SuggestedAction) == "" {
			continue
		}
		gaps = append(gaps, Gap{
			ID:              uuid.NewString(),
			Type:            GapMissingInfo,
			Severity:        normalizeSeverity(it.Severity),
			Description:     llmjson.Clip(it.Description, llmGapDescriptionLimit),
			SuggestedAction: llmjson.Clip(it.SuggestedAction, llmGapDescriptionLimit),
			Confidence:      0.7,
		})
	}
	return gaps
}

// coverageGaps flags claims with zero counted supporting sources, unless an
// entailment result lists support for the claim.
func (d *Detector) coverageGaps(in Input) []Gap {
	counted := make(map[string]int, len(in.ClaimConfidences))
	for _, cc := range in.ClaimConfidences {
		counted[cc.ClaimID] = cc.SupportingSources
	}
	entailed := make(map[string]bool)
	for _, er := range in.Entailments {
		if len(er.SupportingSources) > 0 {
			entailed[er.ClaimID] = true
		}
	}

	var gaps []Gap
	for _, claim := range in.Claims {
		if counted[claim.ID] > 0 || entailed[claim.ID] {
			continue
		}
		gaps = append(gaps, Gap{
			ID:              uuid.NewString(),
			Type:            GapIncompleteCoverage,
			Severity:        SeverityCritical,
			Description:     fmt.Sprintf("Claim %s has no supporting sources: %s", claim.ID, llmjson.Clip(claim.Text, llmGapDescriptionLimit)),
			SuggestedAction: "Search for sources that support this claim or remove it",
			Confidence:      0.95,
			RelatedClaim:    claim.ID,
		})
	}
	return gaps
}

// contradictionGaps emits one gap per contradicted entailment verdict, naming
// every contradicting source URL.
func (d *Detector) contradictionGaps(in Input) []Gap {
	var gaps []Gap
	for _, er := range in.Entailments {
		if er.Verdict != VerdictContradicted {
			continue
		}
		gaps = append(gaps, Gap{
			ID:       uuid.NewString(),
			Type:     GapContradiction,
			Severity: SeverityCritical,
			Description: fmt.Sprintf("Claim %s is contradicted by %d source(s)",
				er.ClaimID, len(er.ContradictingSources)),
			SuggestedAction: fmt.Sprintf("Reconcile the claim with contradicting sources: %s",
				strings.Join(er.ContradictingSources, ", ")),
			Confidence:   0.9,
			RelatedClaim: er.ClaimID,
		})
	}
	return gaps
}

func normalizeSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high", "major":
		return SeverityMajor
	default:
		return SeverityMinor
	}
}
