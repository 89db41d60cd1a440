// Command labctl is the operator CLI for the laboratory orchestration
// engine's Control API: submit and manage processes, toggle simulation, and
// inspect cluster status against a labord core-loop replica.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/labord/pkg/client"
	"github.com/cuemby/labord/pkg/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "labctl is the operator CLI for the laboratory orchestration engine",
}

func init() {
	rootCmd.PersistentFlags().String("core", "127.0.0.1:8443", "Address of a core-loop replica's Control API")

	rootCmd.AddCommand(initCertCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(applyCmd)

	initCertCmd.Flags().String("token", "", "Join token issued by a core-loop replica")
	initCertCmd.MarkFlagRequired("token")

	submitCmd.Flags().String("name", "", "Human-readable process name")
	submitCmd.Flags().String("source", "", "Process description source, in the workflow parser's dialect")
	submitCmd.Flags().Int("priority", 0, "Scheduling priority; lower runs first on ties")
	submitCmd.Flags().Int("delay", 0, "Minutes to delay the earliest start")
	submitCmd.MarkFlagRequired("name")
	submitCmd.MarkFlagRequired("source")

	pauseCmd.Flags().String("process", "", "Process ID to pause; omit to pause the whole lab")
	resumeCmd.Flags().String("process", "", "Process ID to resume; omit to resume the whole lab")

	simulateCmd.Flags().Bool("off", false, "Disable simulation mode instead of enabling it")
	simulateCmd.Flags().Float64("speed", 1.0, "Simulation clock speed multiplier")

	applyCmd.Flags().String("file", "", "Path to a lab configuration document")
	applyCmd.MarkFlagRequired("file")
}

func connect(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("core")
	return client.NewClient(addr)
}

var initCertCmd = &cobra.Command{
	Use:   "init",
	Short: "Request a client certificate for this CLI using a join token",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("core")
		token, _ := cmd.Flags().GetString("token")
		c, err := client.NewClientWithToken(addr, token)
		if err != nil {
			return err
		}
		defer c.Close()
		fmt.Println("certificate obtained")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [core|client]",
	Short: "Generate a join token for a new core replica or CLI client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := args[0]
		if role != "core" && role != "client" {
			return fmt.Errorf("role must be 'core' or 'client'")
		}
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		token, err := c.GenerateJoinToken(role)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new process for scheduling",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		name, _ := cmd.Flags().GetString("name")
		source, _ := cmd.Flags().GetString("source")
		priority, _ := cmd.Flags().GetInt("priority")
		delay, _ := cmd.Flags().GetInt("delay")

		id, err := c.SubmitProcess(name, source, priority, delay)
		if err != nil {
			return err
		}
		fmt.Printf("submitted: %s\n", id)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start [process-id...]",
	Short: "Start one or more submitted processes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Start(args); err != nil {
			return err
		}
		fmt.Println("started")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [process-id]",
	Short: "Cancel a running or pending process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Println("cancelled")
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause a process, or the whole lab if --process is omitted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		scope, _ := cmd.Flags().GetString("process")
		if err := c.Pause(scope); err != nil {
			return err
		}
		fmt.Println("paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a process, or the whole lab if --process is omitted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		scope, _ := cmd.Flags().GetString("process")
		if err := c.Resume(scope); err != nil {
			return err
		}
		fmt.Println("resumed")
		return nil
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Enable or disable simulation mode across the lab",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		off, _ := cmd.Flags().GetBool("off")
		if off {
			if err := c.DisableSimulation(); err != nil {
				return err
			}
			fmt.Println("simulation disabled")
			return nil
		}
		speed, _ := cmd.Flags().GetFloat64("speed")
		if err := c.EnableSimulation(speed); err != nil {
			return err
		}
		fmt.Printf("simulation enabled at %.1fx\n", speed)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the lab's current processes, devices and containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.QueryStatus()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a lab configuration document, adding or updating its devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		path, _ := cmd.Flags().GetString("file")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := c.ConfigureLab(cfg.Devices); err != nil {
			return err
		}
		fmt.Printf("applied %d devices\n", len(cfg.Devices))
		return nil
	},
}
