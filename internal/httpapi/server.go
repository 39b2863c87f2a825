// Package httpapi is the read-only operational surface: health, metrics, and
// latest payloads. It never mutates engine state.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantfall/trendphase/internal/data"
	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/metrics"
	"github.com/quantfall/trendphase/internal/persistence"
)

// Server serves the operational endpoints.
type Server struct {
	router    *mux.Router
	positions persistence.PositionRepo
	source    *data.Source
}

// New builds the server and its routes.
func New(reg *metrics.Registry, positions persistence.PositionRepo, source *data.Source) *Server {
	s := &Server{router: mux.NewRouter(), positions: positions, source: source}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/positions/{contract}/{chain}", s.handlePosition).Methods(http.MethodGet)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":           "ok",
		"upstream_breaker": s.source.BreakerState(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chainID, err := strconv.ParseInt(vars["chain"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid chain id"})
		return
	}
	pos := domain.Position{Contract: vars["contract"], ChainID: chainID}

	payload, _, err := s.positions.Load(r.Context(), pos)
	if err != nil {
		log.Error().Err(err).Str("contract", pos.Contract).Msg("payload lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if payload == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no payload"})
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
