/*
Package core implements the replicated core loop: the single process every
lab runs to hold the Status Store, Scheduling Instance and Executor
consistent across replicas using Raft consensus.

# Architecture

A labord cluster consists of 1-5 core-loop nodes forming a Raft quorum:

	┌──────────────────────── CORE NODE ──────────────────────────┐
	│                                                              │
	│  ┌──────────────────────────────────────────────┐          │
	│  │       Control API Server (pkg/api, HTTPS)     │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │                  Node                          │          │
	│  │  - Proposes Raft commands                     │          │
	│  │  - Drives the Executor while leader           │          │
	│  │  - Issues certificates and join tokens        │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │          Raft Consensus Layer                 │          │
	│  │  - Leader election, log replication           │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │        CoreFSM (Finite State Machine)         │          │
	│  │  - Apply(): mutate Status Store + Instance    │          │
	│  │  - Snapshot()/Restore(): Instance compaction  │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │  Status Store (bbolt)   Scheduling Instance   │          │
	│  └────────────────────────────────────────────────┘         │
	└──────────────────────────────────────────────────────────┘

# Core Components

Node:
  - Owns the raft group and the CoreFSM every replica applies identically
  - Proposes typed commands (submit_process, start_process, commit_step, ...)
  - Implements executor.Committer, so the leader's Executor routes every
    step's terminal outcome through the replicated log rather than
    mutating local state directly
  - Drives certificate issuance (pkg/security) and join tokens

CoreFSM:
  - raft.FSM implementation; Apply must stay deterministic, so every
    timestamp a command needs is stamped once by the proposing leader and
    carried in the payload rather than read from time.Now() here
  - Owns the only writes to the Status Store and Scheduling Instance

TokenManager:
  - Generates and validates time-limited join tokens, leader-only to issue

# Raft consensus

Cluster sizes: 1 node tolerates no failures (development only), 3 nodes
tolerate 1 failure, 5 nodes tolerate 2. Write commands require majority
quorum; a follower forwards writes to the leader by returning a
not-the-leader error the Control API surfaces to clients with the current
leader's address.

# Leadership

Only the leader dispatches steps (core.Node.Executor is wired into every
replica's CoreFSM, but only the leader's copy is ever told to Dispatch) and
only the leader accepts submit_process/start/cancel/pause/resume/configure
writes; followers still apply every committed command so a new leader after
failover has identical state with no resync beyond the raft log itself.

# See Also

  - pkg/api for the Control API server
  - pkg/store for the Status Store
  - pkg/instance for the Scheduling Instance
  - pkg/executor for step dispatch and outcome commit
  - pkg/security for certificate issuance and secrets encryption
*/
package core
