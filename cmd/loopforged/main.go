// Loopforged runs the Loopforge task workflow daemon: the HTTP API, the
// execution queue workers and the auto-merge watchers.
//
// Usage:
//
//	# Start the daemon with ~/.config/loopforge/config.yaml
//	loopforged serve
//
//	# Run against an in-process NATS server
//	LOOPFORGE_NATS_EMBEDDED=true loopforged serve
//
//	# Re-enqueue in-flight tasks that lost their job
//	loopforged recover
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the optional YAML config file.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loopforged",
	Short: "Task workflow and execution daemon",
	Long: `loopforged moves tasks through the Loopforge workflow, executes approved
plans against their repositories and merges the resulting pull requests
once checks pass.

Configuration is read from ~/.config/loopforge/config.yaml (or --config)
and LOOPFORGE_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/loopforge/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)
	queueCmd.AddCommand(queueStatusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "loopforged by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
