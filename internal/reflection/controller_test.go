package reflection

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refinery-agent/refinery/internal/config"
	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/llm"
	"github.com/refinery-agent/refinery/internal/llm/mock"
)

type stubScorer struct {
	scores []float64
	errAt  int // 1-indexed call that fails; 0 means never
	calls  int
}

func (s *stubScorer) ScoreConfidence(_ context.Context, _ string, _ []Source, _ string) (ConfidenceResult, error) {
	s.calls++
	if s.errAt > 0 && s.calls >= s.errAt {
		return ConfidenceResult{}, errors.New("scorer unavailable")
	}
	idx := s.calls - 1
	if idx >= len(s.scores) {
		idx = len(s.scores) - 1
	}
	return ConfidenceResult{OverallConfidence: s.scores[idx], Level: "medium"}, nil
}

type stubMemory struct {
	gaps map[string][]Gap
}

func (m *stubMemory) AddGap(sessionID string, gap Gap) error {
	if m.gaps == nil {
		m.gaps = make(map[string][]Gap)
	}
	m.gaps[sessionID] = append(m.gaps[sessionID], gap)
	return nil
}

type controllerFixture struct {
	controller *Controller
	scorer     *stubScorer
	memory     *stubMemory
	recorder   *events.Recorder
	chat       *mock.Provider
}

// newControllerFixture wires a controller whose detector model reports one
// missing-info gap per iteration, critic and refiner respond normally.
func newControllerFixture(scorer *stubScorer, cfg config.ReflectionConfig) *controllerFixture {
	chat := &mock.Provider{ChatFn: func(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
		system := req.Messages[0].Content
		var content string
		switch {
		case strings.Contains(system, "JSON array"):
			content = `[{"description":"misses deployment costs","severity":"major","suggestedAction":"add cost figures"}]`
		case strings.Contains(system, "JSON object"):
			content = `{"overallAssessment":"decent","strengths":["clear"],"weaknesses":["thin"],"criticalIssues":[],"suggestedImprovements":["expand"]}`
		default:
			content = "A refined answer with deployment costs: cost figures and cost breakdown added [1]."
		}
		return llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: content}}, nil
	}}

	rec := &events.Recorder{}
	mem := &stubMemory{}
	detector := NewDetector(chat, "m", rec, nil, nil)
	critic := NewCritic(chat, "m", rec, nil, nil)
	refiner := NewRefiner(chat, "m", rec, nil, nil)
	ctrl := NewController(detector, critic, refiner, scorer, mem, cfg, rec, nil, nil)
	return &controllerFixture{controller: ctrl, scorer: scorer, memory: mem, recorder: rec, chat: chat}
}

func TestReflectZeroIterationsShortCircuits(t *testing.T) {
	scorer := &stubScorer{scores: []float64{0.9}}
	f := newControllerFixture(scorer, config.ReflectionConfig{MaxIterations: 0, QualityTargetThreshold: 0.9})

	res := f.controller.Reflect(context.Background(), Input{SessionID: "sess", Answer: "initial"})

	require.Equal(t, StatusMaxIterations, res.Status)
	require.Zero(t, res.IterationCount)
	require.Equal(t, "initial", res.FinalAnswer)
	require.Zero(t, res.FinalConfidence)
	require.Empty(t, res.ReflectionTrace)
	require.Zero(t, f.chat.Calls)
	require.Zero(t, scorer.calls)
}

func TestReflectStopsAtQualityTarget(t *testing.T) {
	scorer := &stubScorer{scores: []float64{0.92}}
	f := newControllerFixture(scorer, config.ReflectionConfig{
		MaxIterations:           5,
		MinImprovementThreshold: 0.05,
		QualityTargetThreshold:  0.9,
	})

	res := f.controller.Reflect(context.Background(), Input{SessionID: "sess", Query: "q", Answer: "draft"})

	require.Equal(t, StatusQualityTarget, res.Status)
	require.Equal(t, 1, res.IterationCount)
	require.Equal(t, 0.92, res.FinalConfidence)
	require.Len(t, res.ReflectionTrace, 1)
}

func TestReflectStopsOnDiminishingReturns(t *testing.T) {
	scorer := &stubScorer{scores: []float64{0.5, 0.52}}
	f := newControllerFixture(scorer, config.ReflectionConfig{
		MaxIterations:           5,
		MinImprovementThreshold: 0.05,
		QualityTargetThreshold:  0.9,
	})

	res := f.controller.Reflect(context.Background(), Input{SessionID: "sess", Query: "q", Answer: "draft"})

	require.Equal(t, StatusDiminishingReturns, res.Status)
	require.Equal(t, 2, res.IterationCount)
	require.InDelta(t, 0.52, res.FinalConfidence, 1e-9)
	require.Len(t, res.Improvements, 2)
	require.InDelta(t, 0.02, res.Improvements[1], 1e-9)
}

func TestReflectRunsFullIterationsBelowTarget(t *testing.T) {
	// Confidence climbs 0.6 → 0.75 but never reaches the 0.9 target.
	scorer := &stubScorer{scores: []float64{0.6, 0.75}}
	f := newControllerFixture(scorer, config.ReflectionConfig{
		MaxIterations:           2,
		MinImprovementThreshold: 0.05,
		QualityTargetThreshold:  0.9,
	})

	res := f.controller.Reflect(context.Background(), Input{
		SessionID: "sess",
		Query:     "what does TypeScript add to JavaScript?",
		Answer:    "TypeScript adds static typing to JavaScript, catching errors at build time.",
		Sources: []Source{
			{Title: "TS Handbook", URL: "https://ts.example/handbook"},
			{Title: "Migration Guide", URL: "https://ts.example/migrate"},
			{Title: "Release Notes", URL: "https://ts.example/releases"},
		},
	})

	require.Equal(t, StatusMaxIterations, res.Status)
	require.Equal(t, 2, res.IterationCount)
	require.InDelta(t, 0.75, res.FinalConfidence, 1e-9)
	require.InDelta(t, 0.6, res.Improvements[0], 1e-9)
	require.InDelta(t, 0.15, res.Improvements[1], 1e-9)
}

func TestReflectErrorKeepsLastCompletedIteration(t *testing.T) {
	scorer := &stubScorer{scores: []float64{0.6}, errAt: 2}
	f := newControllerFixture(scorer, config.ReflectionConfig{
		MaxIterations:           5,
		MinImprovementThreshold: 0.01,
		QualityTargetThreshold:  0.9,
	})

	res := f.controller.Reflect(context.Background(), Input{SessionID: "sess", Query: "q", Answer: "draft"})

	require.Equal(t, StatusError, res.Status)
	require.Equal(t, 1, res.IterationCount)
	require.InDelta(t, 0.6, res.FinalConfidence, 1e-9)
	require.NotEqual(t, "draft", res.FinalAnswer) // iteration 1's refined answer survives
	require.Len(t, res.ReflectionTrace, 1)
}

func TestReflectForwardsGapsToMemoryAndEmits(t *testing.T) {
	scorer := &stubScorer{scores: []float64{0.95}}
	f := newControllerFixture(scorer, config.ReflectionConfig{
		MaxIterations:          1,
		QualityTargetThreshold: 0.9,
	})

	res := f.controller.Reflect(context.Background(), Input{SessionID: "sess", Query: "q", Answer: "draft"})

	require.NotEmpty(t, res.IdentifiedGaps)
	require.Len(t, f.memory.gaps["sess"], len(res.IdentifiedGaps))

	names := f.recorder.Names()
	require.Equal(t, events.ReflectionStarted, names[0])
	require.Equal(t, events.ReflectionCompleted, names[len(names)-1])
	require.Equal(t, 1, f.recorder.Count(events.ReflectionIteration))
}
