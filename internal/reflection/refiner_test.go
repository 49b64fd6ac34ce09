package reflection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/llm"
	"github.com/refinery-agent/refinery/internal/llm/mock"
)

func replyWith(content string) *mock.Provider {
	return &mock.Provider{ChatFn: func(_ context.Context, _ llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: content}}, nil
	}}
}

func TestRefineAnswerEmptyGapsRunsOnePass(t *testing.T) {
	chat := replyWith("An improved answer.")
	r := NewRefiner(chat, "m", nil, nil, nil)

	res := r.RefineAnswer(context.Background(), Input{Query: "q", Answer: "An answer."}, SelfCritique{}, nil)

	require.Equal(t, "An improved answer.", res.FinalAnswer)
	require.Len(t, res.RefinementHistory, 1)
	require.Zero(t, res.GapsResolved)
	require.Zero(t, res.GapsRemaining)
	require.Equal(t, 1, chat.Calls)
}

func TestRefineAnswerStopsOnceGapsResolved(t *testing.T) {
	gap := Gap{
		ID:              "g1",
		Type:            GapMissingInfo,
		Severity:        SeverityMajor,
		Description:     "cover pricing details",
		SuggestedAction: "add pricing information",
	}
	chat := replyWith("Databases are fast. Pricing details: pricing tiers vary, " +
		"with details and pricing information per vendor.")

	r := NewRefiner(chat, "m", nil, nil, nil)
	res := r.RefineAnswer(context.Background(), Input{Query: "q", Answer: "Databases are fast."}, SelfCritique{}, []Gap{gap})

	require.Equal(t, 1, res.GapsResolved)
	require.Zero(t, res.GapsRemaining)
	require.Len(t, res.RefinementHistory, 1)
	require.Equal(t, []string{"g1"}, res.RefinementHistory[0].AddressedGaps)
	require.Equal(t, 1, chat.Calls) // no further passes once nothing remains
}

func TestRefineAnswerCapsAtThreePasses(t *testing.T) {
	gap := Gap{ID: "g1", Description: "elaborate quantum hardware", SuggestedAction: "discuss qubits"}
	chat := replyWith("Still the same answer [1][2].")

	r := NewRefiner(chat, "m", nil, nil, nil)
	res := r.RefineAnswer(context.Background(), Input{Query: "q", Answer: "Same answer [1]."}, SelfCritique{}, []Gap{gap})

	require.Len(t, res.RefinementHistory, maxRefinementPasses)
	require.Zero(t, res.GapsResolved)
	require.Equal(t, 1, res.GapsRemaining)
	require.Equal(t, 1, res.GapsResolved+res.GapsRemaining)
}

func TestRefineAnswerTotalFailureFallsBack(t *testing.T) {
	chat := &mock.Provider{ChatFn: func(_ context.Context, _ llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{}, errors.New("model unreachable")
	}}
	rec := &events.Recorder{}
	gaps := []Gap{{ID: "g1"}, {ID: "g2"}}

	r := NewRefiner(chat, "m", rec, nil, nil)
	res := r.RefineAnswer(context.Background(), Input{SessionID: "sess", Answer: "original"}, SelfCritique{}, gaps)

	require.Equal(t, "original", res.FinalAnswer)
	require.Empty(t, res.RefinementHistory)
	require.Zero(t, res.TotalImprovement)
	require.Zero(t, res.GapsResolved)
	require.Equal(t, 2, res.GapsRemaining)
	require.Equal(t, 1, rec.Count(events.RefinementFailed))
}

func TestRefineAnswerEmitsEventSequence(t *testing.T) {
	rec := &events.Recorder{}
	r := NewRefiner(replyWith("better"), "m", rec, nil, nil)

	r.RefineAnswer(context.Background(), Input{SessionID: "sess", Answer: "draft"}, SelfCritique{}, nil)

	names := rec.Names()
	require.Equal(t, []string{events.RefinementStarted, events.RefinementPass, events.RefinementCompleted}, names)
}

func TestPassImprovementFactors(t *testing.T) {
	// All gaps addressed, length within window, citations grew.
	require.InDelta(t, 1.0, passImprovement(2, 2, "aaaaaaaaaa", "aaaaaaaaa[1]"), 1e-9)

	// Nothing addressed, drastic shrink, no citation growth.
	require.InDelta(t, 0.11, passImprovement(0, 1, "aaaaaaaaaaaaaaaaaaaa", "a"), 1e-9)
}

func TestWeightedImprovementFavorsEarlyPasses(t *testing.T) {
	history := []RefinementAttempt{
		{Iteration: 1, Improvement: 1.0},
		{Iteration: 2, Improvement: 0.0},
	}
	// weights 1/2 and 1/3: (0.5*1 + 0.333*0) / 0.833 = 0.6
	require.InDelta(t, 0.6, weightedImprovement(history), 1e-9)

	require.Zero(t, weightedImprovement(nil))
}

func TestGapKeywordsFiltersShortTokens(t *testing.T) {
	g := Gap{Description: "add the cost data", SuggestedAction: "cite cost sources"}
	kws := gapKeywords(g)
	require.Equal(t, []string{"cost", "data", "cite", "sources"}, kws)
}
