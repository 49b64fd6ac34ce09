package reflection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/refinery-agent/refinery/internal/config"
	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/observability"
)

// Controller sequences detect→critique→refine→score iterations and applies
// the termination rules. Reflect never returns an error: collaborator
// failures degrade to the best answer obtained so far.
type Controller struct {
	detector *Detector
	critic   *Critic
	refiner  *Refiner
	scorer   ConfidenceScorer
	memory   WorkingMemory
	cfg      config.ReflectionConfig
	events   events.Sink
	metrics  *observability.Metrics
	log      *zap.Logger
}

// NewController wires the loop. memory, events, metrics, and log may be nil.
func NewController(detector *Detector, critic *Critic, refiner *Refiner, scorer ConfidenceScorer, memory WorkingMemory, cfg config.ReflectionConfig, sink events.Sink, metrics *observability.Metrics, log *zap.Logger) *Controller {
	if sink == nil {
		sink = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		detector: detector,
		critic:   critic,
		refiner:  refiner,
		scorer:   scorer,
		memory:   memory,
		cfg:      cfg,
		events:   sink,
		metrics:  metrics,
		log:      log,
	}
}

// Reflect runs the quality-improvement loop over the input's answer.
// MaxIterations == 0 short-circuits without touching any collaborator.
func (c *Controller) Reflect(ctx context.Context, in Input) ReflectionResult {
	start := time.Now()

	if c.cfg.MaxIterations == 0 {
		result := ReflectionResult{
			Status:          StatusMaxIterations,
			IterationCount:  0,
			Improvements:    []float64{},
			IdentifiedGaps:  []Gap{},
			FinalAnswer:     in.Answer,
			FinalConfidence: 0,
			ReflectionTrace: []ReflectionStep{},
		}
		c.metrics.RecordReflectionRun(string(result.Status), time.Since(start))
		return result
	}

	if in.SessionID != "" {
		c.events.Emit(in.SessionID, events.ReflectionStarted, map[string]any{
			"max_iterations": c.cfg.MaxIterations,
			"quality_target": c.cfg.QualityTargetThreshold,
		})
	}

	result := ReflectionResult{
		Status:          StatusRunning,
		Improvements:    []float64{},
		IdentifiedGaps:  []Gap{},
		FinalAnswer:     in.Answer,
		FinalConfidence: 0,
		ReflectionTrace: []ReflectionStep{},
	}

	currentAnswer := in.Answer
	prevConfidence := 0.0
	snapshot := in.InitialConfidence

	for iter := 1; iter <= c.cfg.MaxIterations; iter++ {
		iterIn := in
		iterIn.Answer = currentAnswer

		gaps := c.detector.DetectGaps(ctx, iterIn)
		critique := c.critic.CritiqueSynthesis(ctx, iterIn, gaps, snapshot)
		refinement := c.refiner.RefineAnswer(ctx, iterIn, critique, gaps)

		score, err := c.scorer.ScoreConfidence(ctx, refinement.FinalAnswer, in.Sources, in.SessionID)
		if err != nil {
			// Keep the last fully completed iteration's answer and count.
			c.log.Error("reflection iteration failed",
				zap.String("session", in.SessionID),
				zap.Int("iteration", iter),
				zap.Error(err))
			result.Status = StatusError
			break
		}

		newConfidence := score.OverallConfidence
		improvement := newConfidence - prevConfidence

		step := ReflectionStep{
			Iteration:        iter,
			Critique:         critique.OverallAssessment,
			GapsFound:        gaps,
			ConfidenceBefore: prevConfidence,
			ConfidenceAfter:  newConfidence,
			Improvement:      improvement,
		}
		result.ReflectionTrace = append(result.ReflectionTrace, step)
		result.Improvements = append(result.Improvements, improvement)
		result.IdentifiedGaps = append(result.IdentifiedGaps, gaps...)
		result.IterationCount = iter
		result.FinalAnswer = refinement.FinalAnswer
		result.FinalConfidence = newConfidence

		c.forwardGaps(in.SessionID, gaps)
		c.metrics.RecordImprovement(improvement)
		if in.SessionID != "" {
			c.events.Emit(in.SessionID, events.ReflectionIteration, map[string]any{
				"iteration":   iter,
				"confidence":  newConfidence,
				"improvement": improvement,
				"gaps":        len(gaps),
			})
		}

		currentAnswer = refinement.FinalAnswer
		prevConfidence = newConfidence
		snapshot = &score

		if newConfidence >= c.cfg.QualityTargetThreshold {
			result.Status = StatusQualityTarget
			break
		}
		if iter > 1 && improvement < c.cfg.MinImprovementThreshold {
			result.Status = StatusDiminishingReturns
			break
		}
	}

	if result.Status == StatusRunning {
		result.Status = StatusMaxIterations
	}

	if in.SessionID != "" {
		c.events.Emit(in.SessionID, events.ReflectionCompleted, map[string]any{
			"status":           string(result.Status),
			"iterations":       result.IterationCount,
			"final_confidence": result.FinalConfidence,
		})
	}
	c.metrics.RecordReflectionRun(string(result.Status), time.Since(start))
	c.log.Info("reflection finished",
		zap.String("session", in.SessionID),
		zap.String("status", string(result.Status)),
		zap.Int("iterations", result.IterationCount),
		zap.Float64("confidence", result.FinalConfidence))
	return result
}

// forwardGaps mirrors detected gaps into working memory. Store errors are
// logged, never propagated into the loop.
func (c *Controller) forwardGaps(sessionID string, gaps []Gap) {
	if c.memory == nil || sessionID == "" {
		return
	}
	for _, g := range gaps {
		if err := c.memory.AddGap(sessionID, g); err != nil {
			c.log.Warn("working memory rejected gap",
				zap.String("session", sessionID),
				zap.String("gap", g.ID),
				zap.Error(err))
		}
	}
}
