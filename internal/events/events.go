// Package events defines the fire-and-forget observability sink used by the
// reflection pipeline. Emission is best effort; a slow or failing sink must
// never affect the loop.
package events

import "go.uber.org/zap"

// Event names emitted by the reflection pipeline.
const (
	GapDetectionStarted   = "gap_detection_started"
	GapDetected           = "gap_detected"
	GapDetectionCompleted = "gap_detection_completed"

	SelfCritiqueStarted   = "self_critique_started"
	SelfCritiqueCompleted = "self_critique_completed"
	SelfCritiqueFailed    = "self_critique_failed"

	RefinementStarted   = "refinement_started"
	RefinementPass      = "refinement_pass"
	RefinementCompleted = "refinement_completed"
	RefinementFailed    = "refinement_failed"

	ReflectionStarted   = "reflection_started"
	ReflectionIteration = "reflection_iteration"
	ReflectionCompleted = "reflection_completed"
)

// Sink receives session-scoped pipeline events.
type Sink interface {
	Emit(sessionID, event string, payload map[string]any)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(string, string, map[string]any) {}

// ZapSink logs events through a zap logger.
type ZapSink struct {
	Logger *zap.Logger
}

func (s ZapSink) Emit(sessionID, event string, payload map[string]any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info(event,
		zap.String("session_id", sessionID),
		zap.Any("payload", payload),
	)
}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(sessionID, event string, payload map[string]any) {
	for _, s := range f {
		if s != nil {
			s.Emit(sessionID, event, payload)
		}
	}
}
