package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/labord/pkg/core"
	"github.com/cuemby/labord/pkg/metrics"
)

// HealthServer provides HTTP liveness/readiness/metrics endpoints, served
// on a separate plaintext listener from the mTLS Control API so monitoring
// agents don't need a client certificate.
type HealthServer struct {
	node *core.Node
	mux  *http.ServeMux
}

// NewHealthServer creates a health check HTTP server. node may be nil in
// tests that only exercise the liveness check.
func NewHealthServer(node *core.Node) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{node: node, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health response body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready response body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 if the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks raft and storage before declaring the node ready to
// accept Control API traffic.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.node != nil {
		if hs.node.IsLeader() {
			checks["raft"] = "leader"
		} else if leaderAddr := hs.node.LeaderAddr(); leaderAddr != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", leaderAddr)
		} else {
			checks["raft"] = "no leader elected"
			ready = false
			message = "waiting for leader election"
		}

		if _, err := hs.node.ListDevices(); err != nil {
			checks["store"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "status store not accessible"
			}
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["raft"] = "not initialized"
		ready = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks, Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the underlying HTTP handler for embedding elsewhere.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
