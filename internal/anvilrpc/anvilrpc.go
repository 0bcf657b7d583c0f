// Package anvilrpc is the `anvil serve` subcommand's control surface
// (SPEC_FULL.md §6): a small stdlib net/http server exposing
// /status, /maintain, and /metrics over the environment's
// internal/anvildaemon scheduler, grounded on the teacher's
// internal/rpc HTTPServer (health/readiness/metrics endpoints over a
// stdlib http.Server with a context-driven graceful shutdown).
//
// There is no httprouter or chi in the retrieved example pack, so
// routing is the stdlib http.ServeMux — out of reach of a richer router
// without inventing a dependency the corpus never shows.
package anvilrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nathansgreen/anvil/internal/anvildaemon"
)

// Server is the HTTP control surface for one running anvil daemon.
type Server struct {
	scheduler  *anvildaemon.Scheduler
	addr       string
	httpServer *http.Server
	listener   net.Listener
	metrics    *metricsRecorder
}

// New builds a Server that reports on and drives scheduler, listening
// on addr once Start is called.
func New(addr string, scheduler *anvildaemon.Scheduler) *Server {
	return &Server{
		addr:      addr,
		scheduler: scheduler,
		metrics:   newMetricsRecorder(),
	}
}

// Start binds addr and serves until ctx is canceled, at which point it
// shuts the HTTP server down gracefully (5s grace period) before
// returning. Start blocks until shutdown completes or Serve fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/maintain", s.handleMaintain)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("anvilrpc: listen on %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleStatus reports GET /status: the scheduler's run/error counts
// and registered table count, as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.scheduler.Stats())
}

// handleMaintain accepts POST /maintain[?table=name], triggering an
// immediate forced maintenance pass for the named table (or every
// registered table if table is omitted).
func (s *Server) handleMaintain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("table")
	start := time.Now()
	err := s.scheduler.Trigger(r.Context(), name)
	s.metrics.recordMaintainRequest(r.Context(), time.Since(start), err == nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "scheduled", "table": name})
}

// handleMetrics reports GET /metrics: the OpenTelemetry-instrumented
// counters this server keeps on its own request traffic (digest/combine
// instrumentation lives in internal/dtable/manageddtable, which registers
// on the same global meter provider).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.metrics.snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Close releases the listener without waiting for a graceful shutdown;
// Start's ctx-driven shutdown is the normal path, this is a backstop
// for tests.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
