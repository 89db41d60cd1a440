// Package api implements the Control API: an HTTPS+mTLS+JSON server that
// exposes a core.Node's command surface to labctl and other clients.
package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/labord/pkg/control"
	"github.com/cuemby/labord/pkg/core"
	"github.com/cuemby/labord/pkg/log"
	"github.com/cuemby/labord/pkg/security"
	"github.com/cuemby/labord/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server implements the Control API over HTTPS with mTLS client
// authentication. One Server runs per core.Node.
type Server struct {
	node   *core.Node
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds a Control API server bound to node, loading node's own
// certificate and the cluster CA from the on-disk layout pkg/security uses.
func NewServer(node *core.Node) (*Server, error) {
	certDir, err := security.GetCertDir("core", node.NodeID())
	if err != nil {
		return nil, fmt.Errorf("failed to get cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("core certificate not found at %s - ensure the cluster is initialized", certDir)
	}

	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load core certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		// RequestClientCert, not RequireAndVerifyClientCert: a node or CLI
		// enrolling via /v1/certificates has no certificate yet and
		// authenticates with a join token in the request body instead.
		ClientAuth:   tls.RequestClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS13,
	}

	s := &Server{node: node, logger: log.WithComponent("control-api")}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:      s.router,
		TLSConfig:    tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Post("/v1/certificates", s.handleRequestCertificate)
	r.Post("/v1/join", s.handleJoin)
	r.Post("/v1/tokens", s.handleGenerateToken)

	r.Post("/v1/processes", s.handleSubmitProcess)
	r.Post("/v1/processes/start", s.handleStart)
	r.Post("/v1/processes/cancel", s.handleCancel)
	r.Post("/v1/pause", s.handlePause)
	r.Post("/v1/resume", s.handleResume)
	r.Post("/v1/simulation", s.handleSimulation)
	r.Post("/v1/lab/configure", s.handleConfigureLab)
	r.Get("/v1/status", s.handleQueryStatus)
	r.Get("/v1/processes/{processID}/history", s.handleListHistory)

	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).Msg("control api request")
	})
}

// Start listens on addr and serves the Control API until the process exits
// or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("control api listening")
	return s.http.ListenAndServeTLS("", "")
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, control.ErrorResponse{Error: err.Error()})
}

// writeLeaderError is returned by any write endpoint called on a follower;
// pkg/client matches on Kind=="not_leader" to build a LeaderError.
func (s *Server) writeLeaderError(w http.ResponseWriter) {
	writeJSON(w, http.StatusTemporaryRedirect, control.ErrorResponse{
		Error:  "not the cluster leader",
		Kind:   "not_leader",
		Leader: s.node.LeaderAddr(),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleSubmitProcess(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.SubmitProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	processID := newProcessID()
	payload := types.SubmitProcessPayload{
		ProcessID:    processID,
		Name:         req.Name,
		Source:       req.Source,
		Priority:     req.Priority,
		DelayMinutes: req.DelayMinutes,
		SubmittedAt:  time.Now(),
	}
	if err := s.node.SubmitProcess(payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, control.SubmitProcessResponse{ProcessID: processID})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.StartProcess(req.ProcessIDs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.ScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.CancelProcess(r.Context(), req.Scope); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.ScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Pause(req.Scope); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.ScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Resume(req.Scope); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.SimulationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.SetSimulation(req.On, req.Speed); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleConfigureLab(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.ConfigureLabRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.ConfigureLab(req.Devices); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleQueryStatus is the one read endpoint: every replica serves it
// straight from its local Status Store, leader or not.
func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	processes, err := s.node.ListProcesses()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	devices, err := s.node.ListDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	containers, err := s.node.ListContainers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, control.QueryStatusResponse{
		Processes:  processes,
		Devices:    devices,
		Containers: containers,
		Paused:     s.node.Paused(""),
	})
}

// handleListHistory serves a process's history log, leader or not, same as
// handleQueryStatus.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "processID")
	records, err := s.node.ListHistoryByProcess(processID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, control.HistoryResponse{Records: records})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if role, err := s.node.ValidateToken(req.Token); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	} else if role != "core" {
		writeError(w, http.StatusForbidden, fmt.Errorf("invalid token role: expected core, got %s", role))
		return
	}
	if err := s.node.AddVoter(req.NodeID, req.Addr); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, control.JoinResponse{OK: true})
}

// handleGenerateToken mints a join token. Leader-only: the token manager is
// in-memory, per-node state, so a token minted by a follower would be
// meaningless to whichever node a joiner ends up calling.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.writeLeaderError(w)
		return
	}
	var req control.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, err := s.node.GenerateJoinToken(req.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, control.TokenResponse{Token: token.Token})
}

// handleRequestCertificate issues a client certificate for a node or CLI
// that presents a valid join token. The mTLS listener is configured with
// RequestClientCert rather than RequireAndVerifyClientCert specifically so
// this one endpoint is reachable before the caller holds a certificate.
func (s *Server) handleRequestCertificate(w http.ResponseWriter, r *http.Request) {
	var req control.CertificateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	role, err := s.node.ValidateToken(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	cert, err := s.node.IssueCertificate(req.ClientID, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	certPEM, keyPEM, err := s.node.CertToPEM(cert)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, control.CertificateResponse{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		CAPEM:   s.node.GetCACertPEM(),
	})
}

func newProcessID() string {
	return fmt.Sprintf("proc-%s", uuid.New().String())
}
