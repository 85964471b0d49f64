// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mirror-relay/pkg/identity"
	"github.com/aiku/mirror-relay/pkg/relay"
	"github.com/aiku/mirror-relay/pkg/store"
)

// DefaultAddr is the admin API listen address. It only binds to loopback
// since the API has no authentication.
const DefaultAddr = "127.0.0.1:29320"

// maxBodySize is the maximum allowed request body (1 MB).
const maxBodySize = 1 << 20

// Server serves the admin API.
type Server struct {
	log  zerolog.Logger
	svc  *Service
	addr string
	mux  *http.ServeMux
}

func NewServer(log zerolog.Logger, addr string, svc *Service) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		log:  log.With().Str("component", "admin_api").Logger(),
		svc:  svc,
		addr: addr,
		mux:  http.NewServeMux(),
	}
	s.mux.HandleFunc("/api/block", s.HandleBlock)
	s.mux.HandleFunc("/api/unblock", s.HandleUnblock)
	s.mux.HandleFunc("/api/blocked", s.HandleBlocked)
	s.mux.HandleFunc("/api/combine", s.HandleCombine)
	s.mux.HandleFunc("/api/layouts", s.HandleLayouts)
	s.mux.HandleFunc("/api/layout/capture", s.HandleCaptureLayout)
	s.mux.HandleFunc("/api/layout/restore", s.HandleRestoreLayout)
	s.mux.HandleFunc("/api/webhooks", s.HandleWebhooks)
	s.mux.HandleFunc("/api/stats", s.HandleStats)
	s.mux.HandleFunc("/api/messages", s.HandleMessages)
	s.mux.HandleFunc("/api/identity/reset", s.HandleResetIdentity)
	s.mux.HandleFunc("/api/relay/send-dm", s.HandleSendDM)
	s.mux.HandleFunc("/api/relay/sync", s.HandleSync)
	return s
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
	}()
	s.log.Info().Str("addr", s.addr).Msg("Starting admin API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// readJSON decodes an optional JSON body into dst. It writes the error
// response itself and returns false if the body could not be read.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if len(body) > 0 {
		if err = json.Unmarshal(body, dst); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return false
		}
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, relay.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, identity.ErrNotFound), errors.Is(err, relay.ErrUnknownIdentity):
		status = http.StatusNotFound
	case errors.Is(err, relay.ErrInProgress):
		status = http.StatusConflict
	case errors.Is(err, relay.ErrNoSession):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type channelRequest struct {
	Name string `json:"name"`
}

// HandleBlock is an HTTP handler for POST /api/block.
func (s *Server) HandleBlock(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req channelRequest
	if !readJSON(w, r, &req) {
		return
	}
	added, err := s.svc.Block(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": req.Name, "added": added})
}

// HandleUnblock is an HTTP handler for POST /api/unblock.
func (s *Server) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req channelRequest
	if !readJSON(w, r, &req) {
		return
	}
	removed, err := s.svc.Unblock(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": req.Name, "removed": removed})
}

// HandleBlocked is an HTTP handler for GET /api/blocked.
func (s *Server) HandleBlocked(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"blocked_channels": s.svc.Blocked()})
}

type combineRequest struct {
	Destination string   `json:"destination"`
	Sources     []string `json:"sources"`
}

// HandleCombine lists the combine rules on GET and defines new ones on
// POST.
func (s *Server) HandleCombine(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]any{"rules": s.svc.CombineRules()})
	case http.MethodPost:
		var req combineRequest
		if !readJSON(w, r, &req) {
			return
		}
		rules, err := s.svc.Combine(r.Context(), req.Destination, req.Sources)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"defined": rules})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type layoutRequest struct {
	Name string `json:"name"`
}

// HandleLayouts is an HTTP handler for GET /api/layouts.
func (s *Server) HandleLayouts(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	layouts, err := s.svc.Layouts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"layouts": layouts})
}

// HandleCaptureLayout is an HTTP handler for POST /api/layout/capture.
func (s *Server) HandleCaptureLayout(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req layoutRequest
	if !readJSON(w, r, &req) {
		return
	}
	layout, err := s.svc.CaptureLayout(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, layout)
}

// HandleRestoreLayout is an HTTP handler for POST /api/layout/restore.
func (s *Server) HandleRestoreLayout(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req layoutRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.svc.RestoreLayout(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type webhookRequest struct {
	Destination string `json:"destination"`
	URL         string `json:"url"`
}

// HandleWebhooks lists registered destinations on GET and registers a
// webhook on POST.
func (s *Server) HandleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		dests, err := s.svc.Webhooks(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"destinations": dests})
	case http.MethodPost:
		var req webhookRequest
		if !readJSON(w, r, &req) {
			return
		}
		if err := s.svc.SetWebhook(r.Context(), req.Destination, req.URL); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"destination": req.Destination})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStats is an HTTP handler for GET /api/stats.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.Report(r.Context()))
}

// HandleMessages is an HTTP handler for GET /api/messages. It takes the
// destination and an optional limit as query parameters.
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	query := r.URL.Query()
	var limit int
	if raw := query.Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	msgs, err := s.svc.RecentMessages(r.Context(), query.Get("destination"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type identityRequest struct {
	IdentityID string `json:"identity_id"`
}

// HandleResetIdentity is an HTTP handler for POST /api/identity/reset.
func (s *Server) HandleResetIdentity(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req identityRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.svc.ResetIdentity(r.Context(), req.IdentityID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"identity_id": req.IdentityID})
}

// HandleSendDM is an HTTP handler for POST /api/relay/send-dm.
func (s *Server) HandleSendDM(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req relay.SendRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("request_id", req.RequestID).
		Str("identity_id", req.IdentityID).
		Msg("DM send requested")
	outcome, err := s.svc.SendDM(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

// HandleSync is an HTTP handler for POST /api/relay/sync.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Resync requested")
	if err := s.svc.Sync(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"synced": true})
}
