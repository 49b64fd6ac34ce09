// Package reflection implements the answer quality-improvement loop: gap
// detection, self-critique, multi-pass refinement, and the controller that
// sequences them and decides when to stop.
package reflection

import (
	"context"
	"sort"

	"github.com/refinery-agent/refinery/internal/llm"
)

// GapType classifies a detected deficiency in an answer.
type GapType string

const (
	GapWeakClaim          GapType = "weak_claim"
	GapMissingInfo        GapType = "missing_info"
	GapIncompleteCoverage GapType = "incomplete_coverage"
	GapContradiction      GapType = "contradiction"
)

// Severity ranks how urgent a gap is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Gap is a detected deficiency in a generated answer. Immutable once created.
type Gap struct {
	ID              string   `json:"id"`
	Type            GapType  `json:"type"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	SuggestedAction string   `json:"suggestedAction"`
	Confidence      float64  `json:"confidence"`
	RelatedClaim    string   `json:"relatedClaim,omitempty"`
}

// Verdict classifies whether a source supports, opposes, or is unrelated to a claim.
type Verdict string

const (
	VerdictEntailed     Verdict = "entailed"
	VerdictContradicted Verdict = "contradicted"
	VerdictNeutral      Verdict = "neutral"
)

// Source is a retrieved document backing the answer.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Claim is a factual assertion extracted from the answer upstream.
type Claim struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ClaimConfidence is a per-claim confidence grade supplied by the scorer.
type ClaimConfidence struct {
	ClaimID           string  `json:"claimId"`
	Confidence        float64 `json:"confidence"`
	Level             string  `json:"level,omitempty"` // very_low, low, medium, high, very_high
	SupportingSources int     `json:"supportingSources"`
}

// EntailmentResult records how sources relate to one claim.
type EntailmentResult struct {
	ClaimID              string   `json:"claimId"`
	Verdict              Verdict  `json:"verdict"`
	SupportingSources    []string `json:"supportingSources,omitempty"`
	ContradictingSources []string `json:"contradictingSources,omitempty"`
}

// ConfidenceResult is the scorer's grade for a whole answer.
type ConfidenceResult struct {
	OverallConfidence float64           `json:"overallConfidence"`
	Level             string            `json:"level"`
	ClaimConfidences  []ClaimConfidence `json:"claimConfidences,omitempty"`
	Methodology       string            `json:"methodology,omitempty"`
	Recommendations   []string          `json:"recommendations,omitempty"`
}

// SelfCritique is a structured critique of the current answer. Immutable once
// created. Its Confidence grades the critique itself, not the answer.
type SelfCritique struct {
	OverallAssessment     string   `json:"overallAssessment"`
	Strengths             []string `json:"strengths"`
	Weaknesses            []string `json:"weaknesses"`
	CriticalIssues        []string `json:"criticalIssues"`
	SuggestedImprovements []string `json:"suggestedImprovements"`
	Confidence            float64  `json:"confidence"`
}

// RefinementAttempt is one rewrite pass within one reflection iteration.
type RefinementAttempt struct {
	Iteration     int      `json:"iteration"`
	RefinedAnswer string   `json:"refinedAnswer"`
	Improvement   float64  `json:"improvement"`
	AddressedGaps []string `json:"addressedGaps"`
	RemainingGaps []string `json:"remainingGaps"`
}

// RefinementResult is the outcome of a refinement run.
// GapsResolved + GapsRemaining always equals the number of gaps passed in.
type RefinementResult struct {
	FinalAnswer       string              `json:"finalAnswer"`
	RefinementHistory []RefinementAttempt `json:"refinementHistory"`
	TotalImprovement  float64             `json:"totalImprovement"`
	GapsResolved      int                 `json:"gapsResolved"`
	GapsRemaining     int                 `json:"gapsRemaining"`
}

// ReflectionStep is the trace entry for one detect→critique→refine→score cycle.
type ReflectionStep struct {
	Iteration        int     `json:"iteration"`
	Critique         string  `json:"critique"`
	GapsFound        []Gap   `json:"gapsFound"`
	ConfidenceBefore float64 `json:"confidenceBefore"`
	ConfidenceAfter  float64 `json:"confidenceAfter"`
	Improvement      float64 `json:"improvement"`
}

// Status is the controller's terminal (or running) state.
type Status string

const (
	StatusRunning            Status = "running"
	StatusQualityTarget      Status = "stopped_quality_target"
	StatusDiminishingReturns Status = "stopped_diminishing_returns"
	StatusMaxIterations      Status = "stopped_max_iterations"
	StatusError              Status = "stopped_error"
)

// ReflectionResult is the terminal artifact of one Reflect invocation.
type ReflectionResult struct {
	Status          Status           `json:"status"`
	IterationCount  int              `json:"iterationCount"`
	Improvements    []float64        `json:"improvements"`
	IdentifiedGaps  []Gap            `json:"identifiedGaps"`
	FinalAnswer     string           `json:"finalAnswer"`
	FinalConfidence float64          `json:"finalConfidence"`
	ReflectionTrace []ReflectionStep `json:"reflectionTrace"`
}

// Input carries the upstream pipeline context for one reflection session.
type Input struct {
	SessionID        string
	Query            string
	Answer           string
	Sources          []Source
	Claims           []Claim
	ClaimConfidences []ClaimConfidence
	Entailments      []EntailmentResult
	// InitialConfidence optionally seeds the critique's confidence snapshot
	// before the first scorer call.
	InitialConfidence *ConfidenceResult
}

// Chatter is the language-model collaborator. Every llm.Provider satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// ConfidenceScorer grades an answer against its sources.
type ConfidenceScorer interface {
	ScoreConfidence(ctx context.Context, answer string, sources []Source, sessionID string) (ConfidenceResult, error)
}

// WorkingMemory accumulates gaps per session for cross-component context.
// Implementations must tolerate unknown session ids without crashing the loop.
type WorkingMemory interface {
	AddGap(sessionID string, gap Gap) error
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityMajor:
		return 1
	default:
		return 2
	}
}

// sortGapsBySeverity returns a copy ordered critical→major→minor, stable
// within each severity.
func sortGapsBySeverity(gaps []Gap) []Gap {
	out := make([]Gap, len(gaps))
	copy(out, gaps)
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank(out[i].Severity) < severityRank(out[j].Severity)
	})
	return out
}
