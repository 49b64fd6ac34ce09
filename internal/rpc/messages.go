package rpc

import "github.com/refinery-agent/refinery/internal/reflection"

// ReflectRequest is the top-level request for starting a reflection run over
// a draft answer and its upstream pipeline context.
type ReflectRequest struct {
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Query            string                        `json:"query"`
	Answer           string                        `json:"answer"`
	Sources          []reflection.Source           `json:"sources,omitempty"`
	Claims           []reflection.Claim            `json:"claims,omitempty"`
	ClaimConfidences []reflection.ClaimConfidence  `json:"claim_confidences,omitempty"`
	Entailments      []reflection.EntailmentResult `json:"entailments,omitempty"`

	// InitialConfidence, when supplied, seeds the first critique snapshot with
	// the upstream pipeline's score.
	InitialConfidence *reflection.ConfidenceResult `json:"initial_confidence,omitempty"`

	// Optional per-role model overrides.
	DetectorModel string `json:"detector_model,omitempty"`
	CriticModel   string `json:"critic_model,omitempty"`
	RefinerModel  string `json:"refiner_model,omitempty"`
}

// ReflectEvent streams back progress from the daemon.
type ReflectEvent struct {
	Type          string                       `json:"type"` // event|result|error
	SessionID     string                       `json:"session_id,omitempty"`
	CorrelationID string                       `json:"correlation_id,omitempty"`
	Event         string                       `json:"event,omitempty"`
	Payload       map[string]any               `json:"payload,omitempty"`
	Result        *reflection.ReflectionResult `json:"result,omitempty"`
	Error         string                       `json:"error,omitempty"`
	Done          bool                         `json:"done,omitempty"`
}

// ReflectStreamRequest is the bidirectional stream payload for Connect RPC.
// The first message must carry the Reflect request; later messages can carry
// control signals.
type ReflectStreamRequest struct {
	Reflect       *ReflectRequest `json:"reflect,omitempty"`
	Cancel        bool            `json:"cancel,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}
