// Command labord runs one replica of the laboratory orchestration engine's
// core loop: the Status Store, Scheduling Instance, Executor, Scheduler and
// Control API server for a single node, joined into a raft cluster with its
// peers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/labord/pkg/adapter"
	"github.com/cuemby/labord/pkg/api"
	"github.com/cuemby/labord/pkg/config"
	"github.com/cuemby/labord/pkg/core"
	"github.com/cuemby/labord/pkg/log"
	"github.com/cuemby/labord/pkg/metrics"
	"github.com/cuemby/labord/pkg/types"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "labord",
	Short: "labord runs a replica of the laboratory orchestration engine",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(joinCmd)

	initCmd.Flags().String("node-id", "core-1", "Unique node ID")
	initCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for raft communication")
	initCmd.Flags().String("api-addr", "127.0.0.1:8443", "Address for the mTLS Control API")
	initCmd.Flags().String("health-addr", "127.0.0.1:9090", "Address for the plaintext health/metrics endpoint")
	initCmd.Flags().String("data-dir", "./labord-data", "Data directory for node state")
	initCmd.Flags().String("lab-config", "", "Path to a lab configuration document to load at startup")
	initCmd.Flags().Bool("simulate", true, "Run every device in simulation mode at startup")
	initCmd.Flags().Float64("simulate-speed", 1.0, "Simulation clock speed multiplier")

	joinCmd.Flags().String("node-id", "", "Unique node ID")
	joinCmd.Flags().String("bind-addr", "127.0.0.1:7947", "Address for raft communication")
	joinCmd.Flags().String("api-addr", "127.0.0.1:8444", "Address for the mTLS Control API")
	joinCmd.Flags().String("health-addr", "127.0.0.1:9091", "Address for the plaintext health/metrics endpoint")
	joinCmd.Flags().String("data-dir", "./labord-data", "Data directory for node state")
	joinCmd.Flags().String("leader", "", "Address of the leader's Control API")
	joinCmd.Flags().String("token", "", "Join token issued by the leader")
	joinCmd.MarkFlagRequired("node-id")
	joinCmd.MarkFlagRequired("leader")
	joinCmd.MarkFlagRequired("token")
}

func initLogging() {
	levelStr, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(levelStr), JSONOutput: jsonOut, Output: os.Stderr})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new single-node cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		labConfigPath, _ := cmd.Flags().GetString("lab-config")
		simulate, _ := cmd.Flags().GetBool("simulate")
		simSpeed, _ := cmd.Flags().GetFloat64("simulate-speed")

		node, err := newNode(nodeID, bindAddr, dataDir)
		if err != nil {
			return fmt.Errorf("failed to create node: %v", err)
		}

		fmt.Printf("Initializing cluster: node=%s raft=%s api=%s\n", nodeID, bindAddr, apiAddr)
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
		fmt.Println("Cluster bootstrapped")

		if labConfigPath != "" {
			cfg, err := config.Load(labConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load lab config: %v", err)
			}
			if err := node.ConfigureLab(cfg.Devices); err != nil {
				return fmt.Errorf("failed to apply lab config: %v", err)
			}
			fmt.Printf("Loaded lab config: %d devices\n", len(cfg.Devices))
		}

		if simulate {
			if err := node.SetSimulation(true, simSpeed); err != nil {
				return fmt.Errorf("failed to enable simulation: %v", err)
			}
			fmt.Printf("Simulation mode enabled at %.1fx\n", simSpeed)
		}

		coreToken, err := node.GenerateJoinToken("core")
		if err != nil {
			return fmt.Errorf("failed to generate core join token: %v", err)
		}
		clientToken, err := node.GenerateJoinToken("client")
		if err != nil {
			return fmt.Errorf("failed to generate client join token: %v", err)
		}
		fmt.Println()
		fmt.Println("Join tokens (valid for 24 hours):")
		fmt.Printf("  core:   %s\n", coreToken.Token)
		fmt.Printf("  client: %s\n", clientToken.Token)
		fmt.Println()
		fmt.Printf("To add a core replica:\n  labord join --node-id <id> --leader %s --token %s\n", apiAddr, coreToken.Token)
		fmt.Printf("To set up labctl:\n  labctl init --core %s --token %s\n", apiAddr, clientToken.Token)
		fmt.Println()

		return runNode(node, apiAddr, healthAddr)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		leader, _ := cmd.Flags().GetString("leader")
		token, _ := cmd.Flags().GetString("token")

		node, err := newNode(nodeID, bindAddr, dataDir)
		if err != nil {
			return fmt.Errorf("failed to create node: %v", err)
		}

		fmt.Printf("Joining cluster via %s: node=%s raft=%s api=%s\n", leader, nodeID, bindAddr, apiAddr)
		if err := node.Join(leader, token); err != nil {
			return fmt.Errorf("failed to join cluster: %v", err)
		}
		fmt.Println("Joined cluster")

		return runNode(node, apiAddr, healthAddr)
	},
}

// newNode wires a Node with simulation and remote adapters for every device
// kind. Remote adapters are addressed by environment variable rather than a
// flag per kind, since most deployments run simulation-only or a single
// real device-adapter fleet behind one address per kind.
func newNode(nodeID, bindAddr, dataDir string) (*core.Node, error) {
	adapters := map[types.DeviceKind]adapter.Adapter{}
	for kind, envVar := range map[types.DeviceKind]string{
		types.DeviceKindIncubator:     "LABORD_ADAPTER_INCUBATOR",
		types.DeviceKindPlateReader:   "LABORD_ADAPTER_PLATE_READER",
		types.DeviceKindLiquidHandler: "LABORD_ADAPTER_LIQUID_HANDLER",
		types.DeviceKindMover:         "LABORD_ADAPTER_MOVER",
		types.DeviceKindCentrifuge:    "LABORD_ADAPTER_CENTRIFUGE",
		types.DeviceKindStorage:       "LABORD_ADAPTER_STORAGE",
	} {
		if baseURL := os.Getenv(envVar); baseURL != "" {
			adapters[kind] = adapter.NewRemoteAdapter(baseURL, nil)
		}
	}

	return core.NewNode(core.Config{
		NodeID:     nodeID,
		BindAddr:   bindAddr,
		DataDir:    dataDir,
		Adapters:   adapters,
		SimAdapter: adapter.NewSimulatedAdapter(1.0, time.Now().UnixNano()),
	})
}

// runNode starts the Control API and health servers and blocks until an
// interrupt or server error, then shuts everything down in reverse order.
func runNode(node *core.Node, apiAddr, healthAddr string) error {
	metrics.SetVersion("0.1.0")

	collector := metrics.NewCollector(node.Store(), node.Instance(), node)
	collector.Start()
	defer collector.Stop()

	apiServer, err := api.NewServer(node)
	if err != nil {
		return fmt.Errorf("failed to create Control API server: %v", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(apiAddr); err != nil {
			errCh <- fmt.Errorf("Control API server error: %v", err)
		}
	}()
	fmt.Printf("Control API listening on %s\n", apiAddr)

	healthServer := api.NewHealthServer(node)
	go func() {
		if err := healthServer.Start(healthAddr); err != nil {
			errCh <- fmt.Errorf("health server error: %v", err)
		}
	}()
	fmt.Printf("Health/metrics listening on %s\n", healthAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Control API shutdown error: %v\n", err)
	}
	if err := node.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down node: %v", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}
