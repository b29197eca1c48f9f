/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"farm-ledger-go/internal/api"
	"farm-ledger-go/internal/models"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Cycles exposes the orchestrator's latest outcome.
type Cycles interface {
	State() models.CycleState
	LastReport() *models.CycleReport
}

type Server struct {
	Serv   *http.Server
	api    *api.LedgerService
	cycles Cycles
}

// New builds the read-only ops surface. registry may be nil, in which case
// /metrics is not served.
func New(addr string, ledger *api.LedgerService, cycles Cycles, registry *prometheus.Registry) *Server {
	s := &Server{api: ledger, cycles: cycles}
	s.Serv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.health)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	r.Route("/partitions", func(r chi.Router) {
		r.Get("/", s.partitions)
		r.Get("/health", s.partitionHealth)
	})
	r.Get("/cycles/last", s.lastCycle)
	r.Route("/users/{id}", func(r chi.Router) {
		r.Get("/", s.user)
		r.Get("/entries", s.entries)
	})
	return r
}

func (s *Server) Start() {
	go func() {
		zap.L().Info("Starting ops server", zap.String("address", s.Serv.Addr))
		if err := s.Serv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("Ops server failed", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	zap.L().Info("Shutting down ops server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.Serv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("Ops server shutdown error", zap.Error(err))
		return err
	}
	zap.L().Info("Ops server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.cycles != nil {
		status["cycle_state"] = string(s.cycles.State())
	}
	if err := s.api.HealthCheck(r.Context()); err != nil {
		status["status"] = "unavailable"
		status["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) partitions(w http.ResponseWriter, r *http.Request) {
	partitions, err := s.api.GetPartitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, partitions)
}

func (s *Server) partitionHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.api.GetPartitionHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	code := http.StatusOK
	if !health.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) lastCycle(w http.ResponseWriter, r *http.Request) {
	if s.cycles == nil || s.cycles.LastReport() == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s.cycles.LastReport())
}

func (s *Server) user(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdParam(w, r)
	if !ok {
		return
	}
	summary, err := s.api.GetUserSummary(r.Context(), userId)
	if errors.Is(err, api.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) entries(w http.ResponseWriter, r *http.Request) {
	userId, ok := userIdParam(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	filter := models.EntryFilter{Currency: models.Currency(query.Get("currency"))}
	for _, t := range query["type"] {
		filter.Types = append(filter.Types, models.EntryType(t))
	}

	records, err := s.api.GetEntryHistory(r.Context(), userId, filter, limit, offset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func userIdParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userId, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userId <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return 0, false
	}
	return userId, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("Ops request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
