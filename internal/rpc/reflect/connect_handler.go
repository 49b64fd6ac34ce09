package reflect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bufbuild/connect-go"

	"github.com/refinery-agent/refinery/internal/observability"
	"github.com/refinery-agent/refinery/internal/rpc"
	"github.com/refinery-agent/refinery/internal/rpc/connectjson"
)

const ConnectReflectProcedure = "/connect.refinery.v1.ReflectionService/Reflect"

// NewConnectHandler builds a Connect bidi stream handler for Reflect.
func NewConnectHandler(runner Runner, metrics *observability.Metrics) (string, http.Handler) {
	h := &connectReflectHandler{runner: runner, metrics: metrics}
	return ConnectReflectProcedure, connect.NewBidiStreamHandler(ConnectReflectProcedure, h.handle, connect.WithCodec(connectjson.Codec{}))
}

type connectReflectHandler struct {
	runner  Runner
	metrics *observability.Metrics
}

func (h *connectReflectHandler) handle(ctx context.Context, stream *connect.BidiStream[rpc.ReflectStreamRequest, rpc.ReflectEvent]) error {
	h.metrics.IncActiveSessions("connect")
	defer h.metrics.DecActiveSessions("connect")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first, err := stream.Receive()
	if err != nil {
		h.metrics.RecordTransportError("connect", "receive_first")
		return err
	}
	if first == nil || first.Reflect == nil {
		h.metrics.RecordTransportError("connect", "missing_reflect")
		return connect.NewError(connect.CodeInvalidArgument, errors.New("first message must include reflect payload"))
	}

	req := *first.Reflect
	if req.SessionID == "" {
		req.SessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	if req.CorrelationID == "" {
		req.CorrelationID = req.SessionID + "-corr"
	}

	// Listen for cancellation messages from the client.
	go func() {
		for {
			msg, recvErr := stream.Receive()
			if recvErr != nil {
				if !errors.Is(recvErr, context.Canceled) {
					h.metrics.RecordTransportError("connect", "receive_stream")
				}
				cancel()
				return
			}
			if msg != nil && msg.Cancel {
				cancel()
				return
			}
		}
	}()

	httpReq := &http.Request{}
	httpReq = httpReq.WithContext(ctx)

	events, runErr := h.runner.Run(httpReq, req)
	if runErr != nil {
		h.metrics.RecordTransportError("connect", "runner_error")
		return connect.NewError(connect.CodeInternal, runErr)
	}

	for ev := range events {
		if err := stream.Send(&ev); err != nil {
			h.metrics.RecordTransportError("connect", "send")
			return err
		}
	}
	return nil
}
