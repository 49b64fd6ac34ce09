package reflect

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/refinery-agent/refinery/internal/observability"
	"github.com/refinery-agent/refinery/internal/rpc"
)

// Runner executes a reflection request and yields streamed events.
type Runner interface {
	Run(r *http.Request, req rpc.ReflectRequest) (<-chan rpc.ReflectEvent, error)
}

// Handler processes Reflect requests and streams NDJSON events.
type Handler struct {
	runner  Runner
	metrics *observability.Metrics
}

// NewHandler constructs a handler instance.
func NewHandler(runner Runner, metrics *observability.Metrics) *Handler {
	return &Handler{runner: runner, metrics: metrics}
}

// ServeHTTP handles POST /reflect/run with an NDJSON stream of ReflectEvent.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.metrics.RecordTransportError("ndjson", "method_not_allowed")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.metrics.IncActiveSessions("ndjson")
	defer h.metrics.DecActiveSessions("ndjson")

	var req rpc.ReflectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.metrics.RecordTransportError("ndjson", "decode")
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.SessionID == "" {
		req.SessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	if req.CorrelationID == "" {
		req.CorrelationID = fmt.Sprintf("%s-corr", req.SessionID)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	var events <-chan rpc.ReflectEvent
	if h.runner != nil {
		ev, err := h.runner.Run(r, req)
		if err != nil {
			h.metrics.RecordTransportError("ndjson", "runner_error")
			http.Error(w, fmt.Sprintf("runner error: %v", err), http.StatusInternalServerError)
			return
		}
		events = ev
	} else {
		events = reflectEcho(req)
	}

	writer := bufio.NewWriter(w)
	for ev := range events {
		if err := json.NewEncoder(writer).Encode(ev); err != nil {
			break
		}
		writer.Flush()
		flusher.Flush()
	}
}
