// Package control defines the wire contract of the Control API: the JSON
// request/response shapes exchanged between labctl
// (or any client) and a core-loop replica over HTTPS. Request and response
// types live in their own package so both pkg/client and pkg/api can depend
// on them without pkg/client having to import the server package itself.
package control

import "github.com/cuemby/labord/pkg/types"

// SubmitProcessRequest submits a new workflow for scheduling.
type SubmitProcessRequest struct {
	Name         string `json:"name"`
	Source       string `json:"source"`
	Priority     int    `json:"priority"`
	DelayMinutes int    `json:"delay_minutes"`
}

// SubmitProcessResponse returns the id assigned to a submitted process.
type SubmitProcessResponse struct {
	ProcessID string `json:"process_id"`
}

// StartRequest names the processes to move from pending to running.
type StartRequest struct {
	ProcessIDs []string `json:"process_ids"`
}

// ScopeRequest names a pause/resume/cancel target: empty Scope means the
// whole lab (pause/resume only; cancel always requires a process id).
type ScopeRequest struct {
	Scope string `json:"scope"`
}

// SimulationRequest toggles simulation mode.
type SimulationRequest struct {
	On    bool    `json:"on"`
	Speed float64 `json:"speed"`
}

// ConfigureLabRequest replaces the device catalogue.
type ConfigureLabRequest struct {
	Devices []types.Device `json:"devices"`
}

// QueryStatusResponse is the snapshot returned by query_status.
type QueryStatusResponse struct {
	Processes []*types.Process   `json:"processes"`
	Devices   []*types.Device    `json:"devices"`
	Containers []*types.Container `json:"containers"`
	Paused    bool               `json:"paused"`
}

// HistoryResponse carries a process's completed-step history log, ordered
// the way the Status Store recorded it.
type HistoryResponse struct {
	Records []*types.HistoryRecord `json:"records"`
}

// JoinRequest is sent by a node bootstrapping into an existing cluster.
type JoinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
	Token  string `json:"token"`
}

// JoinResponse acknowledges a successful join.
type JoinResponse struct {
	OK bool `json:"ok"`
}

// CertificateRequest asks the leader to issue a client certificate using a
// join token, for labctl's first connection before it holds a cert.
type CertificateRequest struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

// CertificateResponse carries the issued PEM-encoded certificate, key and CA.
type CertificateResponse struct {
	CertPEM []byte `json:"cert_pem"`
	KeyPEM  []byte `json:"key_pem"`
	CAPEM   []byte `json:"ca_pem"`
}

// TokenRequest asks the leader to mint a join token for the given role
// ("core" for a new raft voter, anything else for a plain client cert).
type TokenRequest struct {
	Role string `json:"role"`
}

// TokenResponse carries a freshly minted join token.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the JSON body of any non-2xx Control API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// Leader is set when the responding node is not the raft leader, so a
	// client can retry against the right address without guessing.
	Leader string `json:"leader,omitempty"`
}
