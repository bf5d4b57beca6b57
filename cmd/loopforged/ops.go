package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/queue"
	"github.com/fyrsmithlabs/loopforge/internal/recovery"
)

// verbose keeps info-level logs for operator commands.
var verbose bool

func init() {
	recoverCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at info level")
	queueStatusCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at info level")
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-enqueue in-flight tasks that lost their job",
	Long: `Scan READY and EXECUTING tasks and enqueue an execution job for every
task with an approved plan and a repository but no queued job.

The daemon runs the same sweep at startup. Running it again is safe: tasks
whose job is already queued are left alone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			report, err := recovery.NewSweeper(c.tasks, c.queue, c.log.Named("recovery")).Sweep(ctx)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the execution queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts by state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCore(cmd, func(ctx context.Context, c *core) error {
			counts, err := c.queue.Counts(ctx)
			if err != nil {
				return fmt.Errorf("failed to read queue counts: %w", err)
			}
			printCounts(cmd.OutOrStdout(), counts)
			return nil
		})
	},
}

// withCore loads configuration, opens the shared dependencies, runs fn and
// closes everything again.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, c *core) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return runWithCore(cmd.Context(), cfg, fn)
}

func runWithCore(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, c *core) error) error {
	if !verbose {
		cfg.Logging.Level = "warn"
	}
	c, err := openCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())
	return fn(ctx, c)
}

func printReport(w io.Writer, r recovery.Report) {
	fmt.Fprintf(w, "Scanned:  %d\n", r.Scanned)
	fmt.Fprintf(w, "Requeued: %d\n", r.Requeued)
	fmt.Fprintf(w, "Queued:   %d\n", r.Queued)
	fmt.Fprintf(w, "Skipped:  %d\n", r.Skipped)
	fmt.Fprintf(w, "Failed:   %d\n", r.Failed)
}

func printCounts(w io.Writer, c queue.Counts) {
	fmt.Fprintf(w, "Waiting:   %d\n", c.Waiting)
	fmt.Fprintf(w, "Active:    %d\n", c.Active)
	fmt.Fprintf(w, "Completed: %d\n", c.Completed)
	fmt.Fprintf(w, "Failed:    %d\n", c.Failed)
}
