// =============================================================================
// FLUSH, DRAIN, AND RESIZE COMMANDS - BUFFER CONTROL
// =============================================================================
//
// WHAT IS THIS?
// Commands that change the state of a running daemon:
//
//   flush    Push everything queued out to the conductor, retry lanes first.
//   drain    Remove every pending operation WITHOUT sending it anywhere and
//            print the drained records (useful before a controlled shutdown
//            or for inspecting what is stuck).
//   resize   Change the admission ceiling at runtime. Shrinking below the
//            current depth does not evict anything; it only blocks new
//            writes until the queue falls back under the ceiling.
//
// =============================================================================

package cmd

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ethosengine/elohim-sub011/internal/cli"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush all buffered operations to the conductor",
	Long: `Flush all buffered operations to the conductor.

Blocks until the buffer is empty or the flush aborts after repeated
conductor failures. A long flush can exceed the default request timeout;
raise it with --timeout.

Examples:
  bufctl flush
  bufctl flush --timeout 600`,
	Args: cobra.NoArgs,
	RunE: runFlush,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the buffer without flushing",
	Long: `Remove every pending operation from the buffer without sending
anything to the conductor, and print the drained records.

Examples:
  bufctl drain
  bufctl drain -o json > drained.json`,
	Args: cobra.NoArgs,
	RunE: runDrain,
}

var resizeCmd = &cobra.Command{
	Use:   "resize <max-queue-size>",
	Short: "Change the maximum queue size at runtime",
	Long: `Change the maximum total queue size of a running daemon.

Shrinking below the current depth does not evict queued operations; new
writes are rejected until the queue falls back under the new ceiling.

Examples:
  bufctl resize 20000`,
	Args: cobra.ExactArgs(1),
	RunE: runResize,
}

func runFlush(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	resp, err := client.Flush(ctx)
	if err != nil {
		// A flush that aborts mid-way still reports progress in the body,
		// but the client surfaces it as an APIError. Show it as-is.
		var apiErr *cli.APIError
		if errors.As(err, &apiErr) {
			return handleError(apiErr)
		}
		return handleError(err)
	}

	if outputFlag == "table" {
		cli.PrintSuccess("Flushed %d operations in %s", resp.Flushed, resp.Duration)
		return nil
	}
	return formatter.FormatFlushResult(resp)
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	resp, err := client.Drain(ctx)
	if err != nil {
		return handleError(err)
	}

	if outputFlag == "table" && resp.Drained == 0 {
		cli.PrintSuccess("Buffer already empty")
		return nil
	}
	return formatter.FormatDrainedOperations(resp.Operations)
}

func runResize(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	size, err := strconv.Atoi(args[0])
	if err != nil || size < 1 {
		return handleError(errors.New("max-queue-size must be a positive integer"))
	}

	resp, err := client.SetMaxQueueSize(ctx, size)
	if err != nil {
		return handleError(err)
	}

	cli.PrintSuccess("Max queue size set to %d (backpressure now %d%%)",
		resp.MaxQueueSize, resp.Backpressure)
	return nil
}
