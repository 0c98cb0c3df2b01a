package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veritas/spark/internal/ipcclient"
	"github.com/veritas/spark/internal/wire"
)

func fetchHealth() (*wire.HealthReportPayload, error) {
	client, err := ipcclient.Dial(socketPath, authToken, timeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Health(timeout)
}

func healthCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print the daemon's full health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchHealth()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Printf("state: %s\n", report.State)
			fmt.Printf("alive: %t\n", report.Alive)
			fmt.Printf("ready: %t\n", report.Ready)
			fmt.Printf("accepting_requests: %t\n", report.AcceptingRequests)
			fmt.Printf("models_loaded: %d\n", report.ModelsLoaded)
			fmt.Printf("queue_depth: %d\n", report.QueueDepth)
			fmt.Printf("memory_used_bytes: %d\n", report.MemoryUsedBytes)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

// liveCmd and readyCmd each exit non-zero on failure so they compose
// directly with a process supervisor's liveness/readiness probe command,
// without the caller needing to parse output.

func liveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "Exit 0 if the daemon is alive, non-zero otherwise",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchHealth()
			if err != nil {
				return err
			}
			if !report.Alive {
				return fmt.Errorf("daemon not alive (state=%s)", report.State)
			}
			fmt.Println("alive")
			return nil
		},
	}
}

func readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Exit 0 if the daemon is ready to accept requests, non-zero otherwise",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchHealth()
			if err != nil {
				return err
			}
			if !report.Ready {
				return fmt.Errorf("daemon not ready (state=%s)", report.State)
			}
			fmt.Println("ready")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a one-line summary of the daemon's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchHealth()
			if err != nil {
				return err
			}
			fmt.Printf("%s: models=%d queue_depth=%d accepting_requests=%t\n",
				report.State, report.ModelsLoaded, report.QueueDepth, report.AcceptingRequests)
			return nil
		},
	}
}
