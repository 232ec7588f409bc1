// Package admin exposes the operator surface: health, stats, Prometheus
// metrics, and manual invalidation/warming triggers.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parkwise/parkcache/internal/config"
	"github.com/parkwise/parkcache/internal/engine"
	"github.com/parkwise/parkcache/internal/invalidation"
	"github.com/parkwise/parkcache/internal/logging"
	"github.com/parkwise/parkcache/internal/warming"
	"github.com/parkwise/parkcache/internal/writebehind"
)

// Server is the admin HTTP server. Every dependency except the engine is
// optional; handlers for absent components answer 404.
type Server struct {
	cfg    config.AdminConfig
	engine *engine.Engine
	inval  *invalidation.Manager
	queue  *writebehind.Queue
	warmer *warming.Warmer

	httpServer *http.Server
	startedAt  time.Time
}

// New creates an admin server.
func New(cfg config.AdminConfig, eng *engine.Engine, inval *invalidation.Manager, queue *writebehind.Queue, warmer *warming.Warmer) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		inval:     inval,
		queue:     queue,
		warmer:    warmer,
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	mux.HandleFunc("/stats", s.handleStats)

	mux.HandleFunc("/circuit-breaker", s.handleCircuitBreaker)

	mux.HandleFunc("/invalidate", s.handleInvalidate)

	mux.HandleFunc("/warm", s.handleWarm)

	mux.HandleFunc("/write-behind", s.handleWriteBehind)

	metricsPath := s.cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(metricsPath, promhttp.Handler())

	return mux
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting admin server", zap.String("address", s.cfg.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.engine.HealthCheck(r.Context())
	breaker := s.engine.Breaker().Snapshot()

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       boolStatus(health.Healthy),
		"latency_ms":   health.LatencyMs,
		"error":        health.Error,
		"circuit_open": breaker.Open,
		"uptime":       time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.engine.ResetMetrics()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"cache": s.engine.Metrics(),
	}
	if s.queue != nil {
		response["write_behind"] = s.queue.Stats()
	}
	if s.warmer != nil {
		response["warming"] = s.warmer.Stats()
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Breaker().Snapshot())
}

type invalidateRequest struct {
	Pattern string   `json:"pattern"`
	Tags    []string `json:"tags"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.inval == nil {
		http.Error(w, "invalidation not configured", http.StatusNotFound)
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Pattern == "" && len(req.Tags) == 0 {
		http.Error(w, "pattern or tags required", http.StatusBadRequest)
		return
	}

	deleted := 0
	if req.Pattern != "" {
		deleted += s.inval.InvalidatePattern(r.Context(), req.Pattern)
	}
	if len(req.Tags) > 0 {
		deleted += s.inval.InvalidateByTags(r.Context(), req.Tags)
	}

	logging.Info("manual invalidation",
		zap.String("pattern", req.Pattern),
		zap.Strings("tags", req.Tags),
		zap.Int("deleted", deleted))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"deleted": deleted})
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.warmer == nil {
		http.Error(w, "warming not configured", http.StatusNotFound)
		return
	}

	warmed := s.warmer.WarmRegistered(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"warmed": warmed})
}

func (s *Server) handleWriteBehind(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "write-behind not configured", http.StatusNotFound)
		return
	}

	if r.Method == http.MethodPost {
		flushed := s.queue.Flush(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"flushed": flushed})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.queue.Stats())
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}
