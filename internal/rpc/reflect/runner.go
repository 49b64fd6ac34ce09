package reflect

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/refinery-agent/refinery/internal/config"
	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/memory"
	"github.com/refinery-agent/refinery/internal/observability"
	"github.com/refinery-agent/refinery/internal/reflection"
	"github.com/refinery-agent/refinery/internal/rpc"
)

// ReflectRunner bridges the reflection core to RPC events. For each request
// it resolves per-role models, assembles the loop, and streams controller
// events alongside the terminal result.
type ReflectRunner struct {
	Scorer   reflection.ConfidenceScorer
	Memory   *memory.Store
	Strategy *reflection.StrategyEngine
	Config   config.ReflectionConfig
	Events   events.Sink
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Run executes one reflection session and emits progress events.
func (r *ReflectRunner) Run(reqCtx *http.Request, req rpc.ReflectRequest) (<-chan rpc.ReflectEvent, error) {
	out := make(chan rpc.ReflectEvent, 16)
	go func() {
		defer close(out)
		ctx := reqCtx.Context()
		corr := req.CorrelationID
		if corr == "" {
			corr = req.SessionID
		}

		expensiveUsed := 0
		detectorProv, detectorModel, ok := r.roleModel(ctx, out, req, corr, "detector", req.DetectorModel, &expensiveUsed)
		if !ok {
			return
		}
		criticProv, criticModel, ok := r.roleModel(ctx, out, req, corr, "critic", req.CriticModel, &expensiveUsed)
		if !ok {
			return
		}
		refinerProv, refinerModel, ok := r.roleModel(ctx, out, req, corr, "refiner", req.RefinerModel, &expensiveUsed)
		if !ok {
			return
		}

		sink := r.streamSink(ctx, out, corr)
		detector := reflection.NewDetector(detectorProv, detectorModel, sink, r.Metrics, r.Logger)
		critic := reflection.NewCritic(criticProv, criticModel, sink, r.Metrics, r.Logger)
		refiner := reflection.NewRefiner(refinerProv, refinerModel, sink, r.Metrics, r.Logger)

		if r.Memory != nil {
			r.Memory.Open(req.SessionID, req.Query)
			defer r.Memory.Cleanup(req.SessionID)
		}

		controller := reflection.NewController(detector, critic, refiner, r.Scorer, r.Memory, r.Config, sink, r.Metrics, r.Logger)
		result := controller.Reflect(ctx, reflection.Input{
			SessionID:         req.SessionID,
			Query:             req.Query,
			Answer:            req.Answer,
			Sources:           req.Sources,
			Claims:            req.Claims,
			ClaimConfidences:  req.ClaimConfidences,
			Entailments:       req.Entailments,
			InitialConfidence: req.InitialConfidence,
		})

		send(ctx, out, rpc.ReflectEvent{
			Type:          "result",
			SessionID:     req.SessionID,
			CorrelationID: corr,
			Result:        &result,
			Done:          true,
		})
	}()
	return out, nil
}

// roleModel resolves one role's model within the expensive budget. On failure
// it emits an error event and reports false.
func (r *ReflectRunner) roleModel(ctx context.Context, out chan<- rpc.ReflectEvent, req rpc.ReflectRequest, corr, role, override string, expensiveUsed *int) (reflection.Chatter, string, bool) {
	if r.Strategy == nil {
		send(ctx, out, rpc.ReflectEvent{Type: "error", SessionID: req.SessionID, CorrelationID: corr, Error: "model strategy unavailable"})
		return nil, "", false
	}
	prov, route, chosen, isExp, err := r.Strategy.PickWithBudget(role, override, *expensiveUsed)
	if err != nil || prov == nil {
		if r.Metrics != nil {
			r.Metrics.RecordModelFailure(role, override)
		}
		msg := "no model available for role " + role
		if err != nil {
			msg = err.Error()
		}
		send(ctx, out, rpc.ReflectEvent{Type: "error", SessionID: req.SessionID, CorrelationID: corr, Error: msg})
		return nil, "", false
	}
	if isExp {
		*expensiveUsed++
	}
	if r.Metrics != nil {
		r.Metrics.RecordModelUsage(role, chosen)
	}
	if r.Logger != nil && chosen != override && strings.TrimSpace(override) != "" {
		r.Logger.Sugar().Infof("%s model chosen: %s (requested=%s)", role, chosen, override)
	}
	return prov, route.Model, true
}

// streamSink forwards reflection events to the client and to the runner's
// base sink.
func (r *ReflectRunner) streamSink(ctx context.Context, out chan<- rpc.ReflectEvent, corr string) events.Sink {
	cs := chanSink{ctx: ctx, out: out, corr: corr}
	if r.Events == nil {
		return cs
	}
	return events.Fanout{r.Events, cs}
}

type chanSink struct {
	ctx  context.Context
	out  chan<- rpc.ReflectEvent
	corr string
}

func (s chanSink) Emit(sessionID, event string, payload map[string]any) {
	send(s.ctx, s.out, rpc.ReflectEvent{
		Type:          "event",
		SessionID:     sessionID,
		CorrelationID: s.corr,
		Event:         event,
		Payload:       payload,
	})
}

func send(ctx context.Context, out chan<- rpc.ReflectEvent, ev rpc.ReflectEvent) {
	select {
	case <-ctx.Done():
	case out <- ev:
	}
}

// EchoRunner is a fallback runner that returns the answer unchanged.
type EchoRunner struct{}

func (EchoRunner) Run(_ *http.Request, req rpc.ReflectRequest) (<-chan rpc.ReflectEvent, error) {
	return reflectEcho(req), nil
}

func reflectEcho(req rpc.ReflectRequest) <-chan rpc.ReflectEvent {
	out := make(chan rpc.ReflectEvent, 4)
	go func() {
		defer close(out)
		corr := req.CorrelationID
		if corr == "" {
			corr = req.SessionID
		}
		out <- rpc.ReflectEvent{
			Type:          "event",
			SessionID:     req.SessionID,
			CorrelationID: corr,
			Event:         events.ReflectionStarted,
			Payload:       map[string]any{"max_iterations": 0},
		}
		out <- rpc.ReflectEvent{
			Type:          "result",
			SessionID:     req.SessionID,
			CorrelationID: corr,
			Result: &reflection.ReflectionResult{
				Status:          reflection.StatusMaxIterations,
				Improvements:    []float64{},
				IdentifiedGaps:  []reflection.Gap{},
				FinalAnswer:     req.Answer,
				ReflectionTrace: []reflection.ReflectionStep{},
			},
			Done: true,
		}
	}()
	return out
}
