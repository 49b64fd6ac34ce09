package reflect

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refinery-agent/refinery/internal/config"
	"github.com/refinery-agent/refinery/internal/llm"
	llmmock "github.com/refinery-agent/refinery/internal/llm/mock"
	"github.com/refinery-agent/refinery/internal/memory"
	"github.com/refinery-agent/refinery/internal/reflection"
	"github.com/refinery-agent/refinery/internal/rpc"
)

type fixedScorer struct{ score float64 }

func (s fixedScorer) ScoreConfidence(_ context.Context, _ string, _ []reflection.Source, _ string) (reflection.ConfidenceResult, error) {
	return reflection.ConfidenceResult{OverallConfidence: s.score, Level: "high"}, nil
}

func newTestRunner(t *testing.T) *ReflectRunner {
	t.Helper()
	reg := llm.NewRegistry()
	reg.RegisterProvider("mock", &llmmock.Provider{
		ChatFn: func(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			system := req.Messages[0].Content
			content := "A refined answer [1]."
			switch {
			case strings.Contains(system, "JSON array"):
				content = "[]"
			case strings.Contains(system, "JSON object"):
				content = `{"overallAssessment":"fine","strengths":["ok"],"weaknesses":["short"],"criticalIssues":[],"suggestedImprovements":["expand"]}`
			}
			return llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: content}}, nil
		},
	})
	reg.RegisterModel("default", llm.ModelRoute{Provider: "mock", Model: "m"}, true)

	return &ReflectRunner{
		Scorer:   fixedScorer{score: 0.95},
		Memory:   memory.NewStore(),
		Strategy: reflection.NewStrategyEngine(reg, config.StrategyConfig{DefaultModel: "default"}),
		Config: config.ReflectionConfig{
			MaxIterations:           3,
			MinImprovementThreshold: 0.05,
			QualityTargetThreshold:  0.9,
		},
	}
}

func TestReflectRunnerStreamsEventsAndResult(t *testing.T) {
	runner := newTestRunner(t)
	req, _ := http.NewRequest(http.MethodPost, "/", nil)

	ch, err := runner.Run(req, rpc.ReflectRequest{
		SessionID: "s1",
		Query:     "what is Go?",
		Answer:    "Go is a language.",
	})
	require.NoError(t, err)

	var eventNames []string
	var result *reflection.ReflectionResult
	for ev := range ch {
		switch ev.Type {
		case "event":
			eventNames = append(eventNames, ev.Event)
			require.Equal(t, "s1", ev.SessionID)
		case "result":
			result = ev.Result
			require.True(t, ev.Done)
		}
	}

	require.NotNil(t, result)
	require.Equal(t, reflection.StatusQualityTarget, result.Status)
	require.Equal(t, 1, result.IterationCount)
	require.Contains(t, eventNames, "reflection_started")
	require.Contains(t, eventNames, "reflection_iteration")
	require.Contains(t, eventNames, "reflection_completed")
}

func TestReflectRunnerCleansUpSession(t *testing.T) {
	runner := newTestRunner(t)
	req, _ := http.NewRequest(http.MethodPost, "/", nil)

	ch, err := runner.Run(req, rpc.ReflectRequest{SessionID: "s2", Query: "q", Answer: "a"})
	require.NoError(t, err)
	for range ch {
	}

	require.Zero(t, runner.Memory.Len())
}

func TestReflectRunnerReportsModelResolutionFailure(t *testing.T) {
	runner := newTestRunner(t)
	runner.Strategy = reflection.NewStrategyEngine(llm.NewRegistry(), config.StrategyConfig{})
	req, _ := http.NewRequest(http.MethodPost, "/", nil)

	ch, err := runner.Run(req, rpc.ReflectRequest{SessionID: "s3", Query: "q", Answer: "a"})
	require.NoError(t, err)

	var errorSeen bool
	for ev := range ch {
		if ev.Type == "error" {
			errorSeen = true
			require.NotEmpty(t, ev.Error)
		}
	}
	require.True(t, errorSeen)
}
