package daemon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/refinery-agent/refinery/internal/config"
	"github.com/refinery-agent/refinery/internal/events"
	"github.com/refinery-agent/refinery/internal/llm/configbuilder"
	"github.com/refinery-agent/refinery/internal/memory"
	"github.com/refinery-agent/refinery/internal/observability"
	"github.com/refinery-agent/refinery/internal/reflection"
	reflectrpc "github.com/refinery-agent/refinery/internal/rpc/reflect"
	"github.com/refinery-agent/refinery/internal/scoring"
)

// Server hosts the daemon endpoints: health, metrics, and the Reflect RPC.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	runner  reflectrpc.Runner
	metrics *observability.Metrics
	store   *memory.Store
}

// NewServer composes the reflection graph from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	registry, err := configbuilder.BuildRegistryFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	metrics := observability.NewMetrics()
	store := memory.NewStore()
	strategy := reflection.NewStrategyEngine(registry, cfg.Strategy)
	runner := &reflectrpc.ReflectRunner{
		Scorer:   scoring.NewHeuristicScorer(),
		Memory:   store,
		Strategy: strategy,
		Config:   cfg.Reflection,
		Events:   events.ZapSink{Logger: logger},
		Metrics:  metrics,
		Logger:   logger,
	}

	return &Server{cfg: cfg, logger: logger, runner: runner, metrics: metrics, store: store}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)

	switch strings.ToLower(strings.TrimSpace(s.cfg.Server.Transport)) {
	case "ndjson":
		mux.Handle("/reflect/run", reflectrpc.NewHandler(s.runner, s.metrics))
	default:
		path, handler := reflectrpc.NewConnectHandler(s.runner, s.metrics)
		mux.Handle(path, handler)
		// keep the NDJSON path available for curl-style clients
		mux.Handle("/reflect/run", reflectrpc.NewHandler(s.runner, s.metrics))
	}

	handler := http.Handler(mux)
	if strings.ToLower(strings.TrimSpace(s.cfg.Server.Transport)) != "ndjson" {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting refinery daemon", zap.String("addr", s.cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down refinery daemon")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Server.MetricsEnabled {
		http.NotFound(w, r)
		return
	}

	promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
