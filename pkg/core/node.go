package core

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/labord/pkg/adapter"
	"github.com/cuemby/labord/pkg/client"
	"github.com/cuemby/labord/pkg/events"
	"github.com/cuemby/labord/pkg/executor"
	"github.com/cuemby/labord/pkg/instance"
	"github.com/cuemby/labord/pkg/log"
	"github.com/cuemby/labord/pkg/metrics"
	"github.com/cuemby/labord/pkg/security"
	"github.com/cuemby/labord/pkg/store"
	"github.com/cuemby/labord/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Node is one replica of the core loop: it owns the raft group, the
// CoreFSM every replica applies identically, the Executor the leader alone
// drives, and the Control API's access to all three.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *CoreFSM
	store       store.Store
	inst        *instance.Instance
	exec        *executor.Executor
	tokenMgr    *TokenManager
	ca          *security.CertAuthority
	eventBroker *events.Broker

	loop           *DispatchLoop
	healthMonitor  *executor.DeviceHealthMonitor
	leadershipStop chan struct{}

	logger zerolog.Logger
}

// Config holds the parameters needed to construct a Node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Adapters maps a device kind to the adapter that drives it. SimAdapter
	// backs simulation mode regardless of which real adapter a kind
	// normally uses.
	Adapters   map[types.DeviceKind]adapter.Adapter
	SimAdapter *adapter.SimulatedAdapter
}

// NewNode wires the Status Store, Scheduling Instance, Executor and CoreFSM
// for one replica, without starting raft. Call Bootstrap or Join next.
func NewNode(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	inst := instance.New()

	clusterKey := security.DeriveKeyFromClusterID(cfg.NodeID)
	if _, err := security.NewSecretsManager(clusterKey); err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		return nil, fmt.Errorf("failed to set cluster encryption key: %w", err)
	}

	ca := security.NewCertAuthority(st)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	n := &Node{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		store:       st,
		inst:        inst,
		tokenMgr:    NewTokenManager(),
		ca:          ca,
		eventBroker: eventBroker,
		logger:      log.WithComponent("core-node"),
	}

	n.exec = executor.New(st, inst, n, cfg.Adapters, cfg.SimAdapter)
	n.fsm = NewCoreFSM(st, inst, n.exec, eventBroker)

	return n, nil
}

func raftConfig(nodeID string) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)

	// Hashicorp Raft's defaults (HeartbeatTimeout=1s, ElectionTimeout=1s,
	// LeaderLeaseTimeout=500ms) target WAN deployments. A lab's core loop
	// runs on one LAN, so these are tightened for faster failover.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (n *Node) startRaft(config *raft.Config) (*raft.TCPTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r
	n.leadershipStop = make(chan struct{})
	go n.watchLeadership()
	return transport, nil
}

// watchLeadership starts and stops the DispatchLoop and DeviceHealthMonitor
// as this node gains and loses raft leadership. Only the leader dispatches
// steps to devices or needs their live connectivity; a follower's CoreFSM
// state stays current through Apply alone.
func (n *Node) watchLeadership() {
	for {
		select {
		case isLeader, ok := <-n.raft.LeaderCh():
			if !ok {
				return
			}
			if isLeader {
				if n.loop == nil {
					n.loop = newDispatchLoop(n)
					n.loop.Start()
				}
				if n.healthMonitor == nil {
					n.healthMonitor = executor.NewDeviceHealthMonitor(n.store, n.eventBroker)
					n.healthMonitor.Start()
				}
			} else {
				if n.loop != nil {
					n.loop.Stop()
					n.loop = nil
				}
				if n.healthMonitor != nil {
					n.healthMonitor.Stop()
					n.healthMonitor = nil
				}
			}
		case <-n.leadershipStop:
			if n.loop != nil {
				n.loop.Stop()
				n.loop = nil
			}
			if n.healthMonitor != nil {
				n.healthMonitor.Stop()
				n.healthMonitor = nil
			}
			return
		}
	}
}

// Bootstrap starts a brand new single-node cluster with this node as the
// sole voter.
func (n *Node) Bootstrap() error {
	config := raftConfig(n.nodeID)
	transport, err := n.startRaft(config)
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: transport.LocalAddr()},
		},
	}
	if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	if err := n.initializeCA(); err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}
	return nil
}

// Join starts raft on this node and asks the leader at leaderAddr to add it
// as a voter, authenticating the request with a join token.
func (n *Node) Join(leaderAddr, token string) error {
	config := raftConfig(n.nodeID)
	if _, err := n.startRaft(config); err != nil {
		return err
	}

	c, err := client.NewClientWithToken(leaderAddr, token)
	if err != nil {
		return fmt.Errorf("failed to connect to leader: %w", err)
	}
	defer c.Close()

	if err := c.JoinCluster(n.nodeID, n.bindAddr, token); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	if err := n.ca.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to load CA: %w", err)
	}
	return nil
}

// AddVoter adds nodeID at address to the raft configuration. Leader-only.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderAddr())
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes nodeID from the raft configuration. Leader-only.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current raft configuration's server list.
func (n *Node) GetClusterServers() ([]raft.Server, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds the raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current raft leader, or "" if
// unknown.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// Stats satisfies pkg/metrics.RaftStats.
func (n *Node) Stats() (lastLogIndex, appliedIndex uint64, peers int) {
	if n.raft == nil {
		return 0, 0, 0
	}
	lastLogIndex = n.raft.LastIndex()
	appliedIndex = n.raft.AppliedIndex()
	if future := n.raft.GetConfiguration(); future.Error() == nil {
		peers = len(future.Configuration().Servers)
	}
	return lastLogIndex, appliedIndex, peers
}

// GetEventBroker returns the node's event broker, used by the Control API to
// stream live updates to connected clients.
func (n *Node) GetEventBroker() *events.Broker { return n.eventBroker }

// Store exposes the underlying Status Store for read-only queries.
func (n *Node) Store() store.Store { return n.store }

// Instance exposes the underlying Scheduling Instance for read-only queries.
func (n *Node) Instance() *instance.Instance { return n.inst }

// Executor exposes the underlying Executor, driven only while this node is
// leader.
func (n *Node) Executor() *executor.Executor { return n.exec }

// Apply proposes cmd to the raft log and waits for it to commit and apply.
// The response future.Response() carries is surfaced as the returned error.
func (n *Node) Apply(cmd types.Command) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := n.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func applyTyped(n *Node, op types.CommandOp, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.Apply(types.Command{Op: op, Data: data})
}

// SubmitProcess proposes a new workflow for scheduling.
func (n *Node) SubmitProcess(p types.SubmitProcessPayload) error {
	return applyTyped(n, types.OpSubmitProcess, p)
}

// StartProcess moves processIDs from pending to running.
func (n *Node) StartProcess(processIDs []string) error {
	return applyTyped(n, types.OpStartProcess, types.StartProcessPayload{ProcessIDs: processIDs})
}

// CancelProcess cancels processID and every not-yet-settled step of it, then
// asks this node's own Executor to cooperatively cancel any it has
// in flight. A follower has nothing in flight to cancel; only the leader's
// call actually reaches a device.
func (n *Node) CancelProcess(ctx context.Context, processID string) error {
	if err := applyTyped(n, types.OpCancelProcess, types.CancelProcessPayload{ProcessID: processID}); err != nil {
		return err
	}
	if n.IsLeader() {
		n.exec.CancelInflight(ctx, processID)
	}
	return nil
}

// CommitStep implements executor.Committer: the leader's Executor hands it
// a step's terminal outcome, and this proposes it on the replicated log so
// every node's CoreFSM applies the same Store/Instance mutation.
func (n *Node) CommitStep(payload types.CommitStepPayload) error {
	return applyTyped(n, types.OpCommitStep, payload)
}

// SetDeviceAvailability proposes a device's availability/state transition.
func (n *Node) SetDeviceAvailability(d types.Device) error {
	return applyTyped(n, types.OpDeviceAvailability, types.DeviceAvailabilityPayload{Device: d})
}

// ConfigureLab proposes a full device catalogue replacement.
func (n *Node) ConfigureLab(devices []types.Device) error {
	return applyTyped(n, types.OpConfigureLab, types.ConfigureLabPayload{Devices: devices})
}

// SetSimulation proposes toggling simulation mode.
func (n *Node) SetSimulation(on bool, speed float64) error {
	return applyTyped(n, types.OpSetSimulation, types.SetSimulationPayload{On: on, Speed: speed})
}

// Pause proposes halting dispatch cluster-wide (scope == "") or for one
// process.
func (n *Node) Pause(scope string) error {
	return applyTyped(n, types.OpPause, types.PauseResumePayload{Scope: scope})
}

// Resume proposes re-enabling dispatch cluster-wide or for one process.
func (n *Node) Resume(scope string) error {
	return applyTyped(n, types.OpResume, types.PauseResumePayload{Scope: scope})
}

// GetProcess, ListProcesses, GetDevice, ListDevices, GetContainer,
// ListContainers, ListHistory, ListHistoryByProcess and GetExperiment read
// straight from the local Status Store: they need no raft round trip since
// every replica's store is already consistent by the time Apply returns.

func (n *Node) GetProcess(id string) (*types.Process, error)       { return n.store.GetProcess(id) }
func (n *Node) ListProcesses() ([]*types.Process, error)           { return n.store.ListProcesses() }
func (n *Node) GetDevice(name string) (*types.Device, error)       { return n.store.GetDevice(name) }
func (n *Node) ListDevices() ([]*types.Device, error)              { return n.store.ListDevices() }
func (n *Node) GetContainer(id string) (*types.Container, error)   { return n.store.GetContainer(id) }
func (n *Node) ListContainers() ([]*types.Container, error)        { return n.store.ListContainers() }
func (n *Node) ListHistory() ([]*types.HistoryRecord, error)       { return n.store.ListHistory() }
func (n *Node) GetExperiment(id string) (*types.Experiment, error) { return n.store.GetExperiment(id) }

func (n *Node) ListHistoryByProcess(processID string) ([]*types.HistoryRecord, error) {
	return n.store.ListHistoryByProcess(processID)
}

// Paused reports whether the Scheduling Instance considers scope paused.
func (n *Node) Paused(scope string) bool { return n.inst.Paused(scope) }

// GenerateJoinToken issues a join token. Leader-only: a follower's token
// wouldn't be recognized once the request lands back on the leader.
func (n *Node) GenerateJoinToken(role string) (*JoinToken, error) {
	if !n.IsLeader() {
		return nil, fmt.Errorf("not the leader, tokens can only be generated by the leader")
	}
	return n.tokenMgr.GenerateToken(role, 24*time.Hour)
}

// ValidateToken validates a join token and returns its role.
func (n *Node) ValidateToken(token string) (string, error) {
	return n.tokenMgr.ValidateToken(token)
}

// Shutdown stops the event broker, raft and the Status Store, in that
// order.
func (n *Node) Shutdown() error {
	if n.leadershipStop != nil {
		close(n.leadershipStop)
	}
	if n.eventBroker != nil {
		n.eventBroker.Stop()
	}
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}
	return nil
}

// initializeCA ensures a Certificate Authority exists for the cluster this
// node is bootstrapping, and that this node holds its own node certificate.
func (n *Node) initializeCA() error {
	if n.ca.IsInitialized() {
		return nil
	}
	if err := n.ca.LoadFromStore(); err == nil {
		return nil
	}

	n.logger.Info().Msg("initializing certificate authority")
	if err := n.ca.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}
	if err := n.ca.SaveToStore(); err != nil {
		return fmt.Errorf("failed to save CA: %w", err)
	}

	certDir, err := security.GetCertDir("core", n.nodeID)
	if err != nil {
		return fmt.Errorf("failed to get cert directory: %w", err)
	}
	if security.CertExists(certDir) {
		return nil
	}

	host, _, err := net.SplitHostPort(n.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to parse bind address: %w", err)
	}
	var ipAddresses []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ipAddresses = []net.IP{ip}
	}
	dnsNames := []string{fmt.Sprintf("core-%s", n.nodeID), "localhost"}

	cert, err := n.ca.IssueNodeCertificate(n.nodeID, "core", dnsNames, ipAddresses)
	if err != nil {
		return fmt.Errorf("failed to issue node certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	if err := security.SaveCACertToFile(n.ca.GetRootCACert(), certDir); err != nil {
		return fmt.Errorf("failed to save CA certificate: %w", err)
	}
	return nil
}

// IssueCertificate issues a client certificate for clientID. Used by the
// Control API's /v1/certificates handler to enroll labctl and new nodes.
func (n *Node) IssueCertificate(clientID, role string) (*tls.Certificate, error) {
	if !n.ca.IsInitialized() {
		return nil, fmt.Errorf("CA not initialized")
	}
	return n.ca.IssueNodeCertificate(clientID, role, nil, nil)
}

// CertToPEM PEM-encodes a certificate and its RSA private key.
func (n *Node) CertToPEM(cert *tls.Certificate) (certPEM, keyPEM []byte, err error) {
	if cert == nil {
		return nil, nil, fmt.Errorf("certificate is nil")
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})

	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("private key is not RSA")
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM, nil
}

// GetCACertPEM returns the cluster CA certificate in PEM form.
func (n *Node) GetCACertPEM() []byte {
	if !n.ca.IsInitialized() {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: n.ca.GetRootCACert()})
}

// NodeID returns this node's raft server ID.
func (n *Node) NodeID() string { return n.nodeID }
