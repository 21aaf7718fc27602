// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server exposes the local admin HTTP endpoint: health, Prometheus
// metrics, volume status, and the rotation approval API. It binds to
// loopback by default and carries no key material in any response.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-diskvault/pkg/health"
	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/rotation"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

// Server is the admin HTTP endpoint.
type Server struct {
	registry  *registry.Registry
	scheduler *rotation.Scheduler
	checker   *health.Checker
	logger    *logging.Logger
	http      *http.Server
}

// VolumeStatus is one row of the status response.
type VolumeStatus struct {
	Device     string            `json:"device"`
	Name       string            `json:"name"`
	State      types.VolumeState `json:"state"`
	MountPoint string            `json:"mount_point,omitempty"`
	AutoUnlock bool              `json:"auto_unlock"`
	Remote     bool              `json:"remote_unlock_eligible"`
}

// New creates the admin server.
func New(addr string, reg *registry.Registry, scheduler *rotation.Scheduler,
	checker *health.Checker, logger *logging.Logger) *Server {

	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if checker == nil {
		checker = health.NewChecker()
	}
	s := &Server{
		registry:  reg,
		scheduler: scheduler,
		checker:   checker,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/rotations/pending", s.handlePending)
		r.Post("/rotations/{id}/approve", s.handleApprove)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin endpoint listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	volumes := s.registry.List()
	out := make([]VolumeStatus, 0, len(volumes))
	for _, vol := range volumes {
		out = append(out, VolumeStatus{
			Device:     vol.Device,
			Name:       vol.Name,
			State:      vol.State,
			MountPoint: vol.MountPoint,
			AutoUnlock: vol.AutoUnlock,
			Remote:     vol.RemoteUnlockEligible,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, []*rotation.PendingRotation{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Pending())
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "rotation scheduler not running")
		return
	}

	var body struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	id := chi.URLParam(r, "id")
	err := s.scheduler.Approve(id, body.Approver)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
	case errors.Is(err, rotation.ErrRotationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rotation.ErrSelfApproval),
		errors.Is(err, rotation.ErrAlreadyApproved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Errorf("rotation approval failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
