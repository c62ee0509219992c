package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrowd",
	Short: "Burrow - multi-tenant config control plane",
	Long: `Burrow is the control plane of a multi-tenant configuration-serving
cluster: it stages application packages as sessions, atomically promotes
exactly one session per application to active, and serves
generation-consistent configuration to the fleet.

Replicas coordinate through a Raft-replicated state store; a single binary
runs the full control plane.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(nodeCmd)
}
