// Package api serves the operational HTTP endpoints: liveness, queue
// statistics, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/store"
)

// Server is the admin HTTP listener.
type Server struct {
	store  *store.Store
	logger *zap.Logger
	srv    *http.Server
	router *mux.Router
}

func New(addr string, s *store.Store, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Server{
		store:  s,
		logger: logger.Named("api"),
		router: mux.NewRouter(),
	}
	a.router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	a.router.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	if gatherer != nil {
		a.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Handler exposes the router for tests.
func (a *Server) Handler() http.Handler {
	return a.router
}

// Start listens in the background.
func (a *Server) Start() {
	go func() {
		a.logger.Info("admin api listening", zap.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin api failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (a *Server) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func (a *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Snapshot(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

func (a *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to write response", zap.Error(err))
	}
}
