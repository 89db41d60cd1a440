/*
Package api implements the Control API server: the HTTPS+mTLS+JSON gateway
a core.Node exposes so labctl and other nodes can submit processes, drive
the lab, and manage cluster membership.

# Architecture

	┌──────────────────── CLIENT (labctl/pkg/client) ─────────────┐
	│  mTLS-authenticated HTTPS, one request per command           │
	└──────────────────────────┬───────────────────────────────────┘
	                           │ HTTPS (chi router)
	┌──────────────────────────▼──────── CORE NODE ─────────────────┐
	│  ┌────────────────────────────────────────────────┐          │
	│  │            Server (pkg/api)                     │          │
	│  │  - chi routes, one handler per endpoint         │          │
	│  │  - leader-redirect for write commands           │          │
	│  │  - mTLS via pkg/security                        │          │
	│  └──────────────────┬───────────────────────────────┘          │
	│                     │                                          │
	│  ┌──────────────────▼───────────────────────────┐              │
	│  │              core.Node                        │              │
	│  │  - Apply()s a typed command onto raft         │              │
	│  │  - reads the local Status Store for queries   │              │
	│  └────────────────────────────────────────────────┘             │
	└──────────────────────────────────────────────────────────────┘

# Endpoints

	POST /v1/processes           submit a workflow, returns its process id
	POST /v1/processes/start     move processes from pending to running
	POST /v1/processes/cancel    cancel a process and its in-flight steps
	POST /v1/pause               halt dispatch cluster-wide or per process
	POST /v1/resume              re-enable dispatch
	POST /v1/simulation          toggle simulated device adapters
	POST /v1/lab/configure       replace the device catalogue
	GET  /v1/status              snapshot of processes, devices, containers
	POST /v1/join                add a node as a raft voter (leader-only)
	POST /v1/certificates        issue a client certificate from a join token

Every write endpoint except /v1/certificates and /v1/join's token check
requires this node to be the raft leader; a follower responds with a
307-coded control.ErrorResponse{Kind: "not_leader", Leader: <addr>} that
pkg/client surfaces as a LeaderError.

# Health and metrics

HealthServer serves /health, /ready and /metrics on a separate plaintext
listener, so monitoring agents don't need a client certificate to scrape
Prometheus metrics or probe liveness.

# See Also

  - pkg/core for the Node this server wraps
  - pkg/control for the shared request/response types
  - pkg/client for the corresponding Go client
  - pkg/security for certificate issuance and mTLS configuration
*/
package api
