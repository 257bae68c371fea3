// =============================================================================
// STATS AND HEALTH COMMANDS - DAEMON INTROSPECTION
// =============================================================================
//
// WHAT IS THIS?
// Read-only commands for inspecting a running daemon: per-lane queue depths,
// lifetime counters, backpressure, and the health endpoint.
//
// USAGE:
//   bufctl stats
//   bufctl health
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show buffer statistics",
	Long: `Show buffer statistics from a running daemon.

Reports per-lane queue depths, in-flight batches, lifetime counters
(committed, failed, deduplicated, rejected), and the current backpressure
percentage.

Examples:
  bufctl stats
  bufctl stats -o json`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	Long: `Check the health of a running daemon.

Exits non-zero when the daemon is unreachable.

Examples:
  bufctl health
  bufctl health -o json`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	resp, err := client.Stats(ctx)
	if err != nil {
		return handleError(err)
	}

	return formatter.FormatStats(resp)
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	resp, err := client.Health(ctx)
	if err != nil {
		return handleError(err)
	}

	return formatter.FormatHealth(resp)
}
