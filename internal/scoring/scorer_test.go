package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refinery-agent/refinery/internal/reflection"
)

func TestHeuristicScorerCitedAnswerBeatsUncited(t *testing.T) {
	s := NewHeuristicScorer()
	sources := []reflection.Source{
		{Title: "A", URL: "https://a.example"},
		{Title: "B", URL: "https://b.example"},
	}

	cited, err := s.ScoreConfidence(context.Background(),
		"PostgreSQL supports MVCC [1]. MySQL defaults to InnoDB [2].", sources, "s1")
	require.NoError(t, err)

	uncited, err := s.ScoreConfidence(context.Background(),
		"PostgreSQL might support MVCC. MySQL could be faster, it seems.", sources, "s1")
	require.NoError(t, err)

	require.Greater(t, cited.OverallConfidence, uncited.OverallConfidence)
	require.NotEmpty(t, uncited.Recommendations)
}

func TestHeuristicScorerNoSources(t *testing.T) {
	s := NewHeuristicScorer()
	res, err := s.ScoreConfidence(context.Background(), "A plain statement.", nil, "s1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.OverallConfidence, 0.0)
	require.LessOrEqual(t, res.OverallConfidence, 1.0)
}

func TestLevelBuckets(t *testing.T) {
	cases := []struct {
		confidence float64
		level      string
	}{
		{0.1, "very_low"},
		{0.3, "low"},
		{0.5, "medium"},
		{0.7, "high"},
		{0.85, "very_high"},
		{0.99, "very_high"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.level, Level(tc.confidence), "confidence %v", tc.confidence)
	}
}
