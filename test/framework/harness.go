package framework

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cuemby/labord/pkg/adapter"
	"github.com/cuemby/labord/pkg/api"
	"github.com/cuemby/labord/pkg/client"
	"github.com/cuemby/labord/pkg/core"
	"github.com/cuemby/labord/pkg/types"
)

// Harness boots a single-node core loop plus its Control API server in the
// test process and hands back a ready-to-use client, so a test reads like an
// operator driving a real replica.
type Harness struct {
	t      *testing.T
	Node   *core.Node
	Server *api.Server
	Client *client.Client
	Addr   string
}

// NewHarness bootstraps a single-node cluster with simulation enabled at
// speed (use a large multiplier, e.g. 60, to compress real time for
// wall-clock-sensitive assertions) and the given devices already configured.
func NewHarness(t *testing.T, speed float64, devices []types.Device) *Harness {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	apiAddr := freeAddr(t)

	node, err := core.NewNode(core.Config{
		NodeID:     "test-core-1",
		BindAddr:   freeAddr(t),
		DataDir:    t.TempDir(),
		Adapters:   map[types.DeviceKind]adapter.Adapter{},
		SimAdapter: adapter.NewSimulatedAdapter(1.0, 1),
	})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	t.Cleanup(func() { _ = node.Shutdown() })

	if err := node.Bootstrap(); err != nil {
		t.Fatalf("failed to bootstrap node: %v", err)
	}
	if err := waitForLeader(node); err != nil {
		t.Fatalf("node never became leader: %v", err)
	}

	if len(devices) > 0 {
		if err := node.ConfigureLab(devices); err != nil {
			t.Fatalf("failed to configure lab: %v", err)
		}
	}
	if err := node.SetSimulation(true, speed); err != nil {
		t.Fatalf("failed to enable simulation: %v", err)
	}

	server, err := api.NewServer(node)
	if err != nil {
		t.Fatalf("failed to create Control API server: %v", err)
	}
	go func() {
		_ = server.Start(apiAddr)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	token, err := node.GenerateJoinToken("client")
	if err != nil {
		t.Fatalf("failed to generate client token: %v", err)
	}

	var c *client.Client
	if err := PollUntilT(t, 5*time.Second, 20*time.Millisecond, func() bool {
		var connErr error
		c, connErr = client.NewClientWithToken(apiAddr, token.Token)
		return connErr == nil
	}); err != nil {
		t.Fatalf("failed to connect to Control API: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return &Harness{t: t, Node: node, Server: server, Client: c, Addr: apiAddr}
}

func waitForLeader(n *core.Node) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for leadership")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate free address: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// PollUntilT is PollUntil without a context, for setup code that runs before
// a test has one to cancel.
func PollUntilT(t *testing.T, timeout, interval time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}
