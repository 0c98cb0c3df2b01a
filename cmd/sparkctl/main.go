package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	socketPath string
	authToken  string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sparkctl",
		Short: "Operator CLI for the Veritas SPARK inference daemon",
		Long:  "Query a running SPARK daemon's health over its local socket",
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/spark/spark.sock", "Path to the daemon's unix socket")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Shared secret to authenticate with")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Connection and request timeout")

	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(liveCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
