// =============================================================================
// WRITE COMMAND - QUEUE WRITE OPERATIONS
// =============================================================================
//
// WHAT IS THIS?
// Command for queuing write operations into the buffer.
//
// USAGE:
//   bufctl write <op-id> [flags]
//
// FLAGS:
//   -t, --type        Operation type (e.g., "upsert", "delete")
//   -p, --payload     Operation payload (JSON)
//   --priority        Priority lane (high, normal, bulk)
//   -k, --dedup-key   Dedup key (a later write with the same key supersedes)
//   -f, --file        Read operations from file (one JSON object per line)
//
// EXAMPLES:
//   bufctl write op-123 -t upsert -p '{"name": "ada"}'
//   bufctl write op-124 -t upsert -p '{"name": "ada"}' -k entry:42
//   bufctl write op-125 -t delete --priority bulk
//   bufctl write -f operations.jsonl
//
// =============================================================================

package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethosengine/elohim-sub011/internal/cli"
)

// =============================================================================
// WRITE FLAGS
// =============================================================================

var (
	writeType     string
	writePayload  string
	writePriority string
	writeDedupKey string
	writeFile     string
)

// =============================================================================
// WRITE COMMAND
// =============================================================================

var writeCmd = &cobra.Command{
	Use:     "write [op-id]",
	Aliases: []string{"queue"},
	Short:   "Queue a write operation",
	Long: `Queue a write operation into the buffer.

Arguments:
  op-id    Unique identifier for the operation (required unless using --file)

A write with an interned dedup key supersedes any queued write carrying the
same key. If the buffer is at capacity the daemon rejects the write and this
command exits with an error showing the current backpressure.

Examples:
  # Simple write
  bufctl write op-123 -t upsert -p '{"name": "ada"}'

  # Last-write-wins on a dedup key
  bufctl write op-124 -t upsert -p '{"name": "grace"}' -k entry:42

  # Bulk lane
  bufctl write op-125 -t delete --priority bulk

  # From file (one JSON object per line)
  bufctl write -f operations.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().StringVarP(&writeType, "type", "t", "",
		"Operation type")
	writeCmd.Flags().StringVarP(&writePayload, "payload", "p", "",
		"Operation payload (JSON)")
	writeCmd.Flags().StringVar(&writePriority, "priority", "",
		"Priority lane (high, normal, bulk)")
	writeCmd.Flags().StringVarP(&writeDedupKey, "dedup-key", "k", "",
		"Dedup key (later writes with the same key supersede)")
	writeCmd.Flags().StringVarP(&writeFile, "file", "f", "",
		"File containing operations (JSON Lines format)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	// Build the request list
	var requests []cli.QueueWriteRequest

	if writeFile != "" {
		fileRequests, err := readWritesFromFile(writeFile)
		if err != nil {
			return handleError(err)
		}
		requests = fileRequests
	} else if len(args) == 1 {
		req := cli.QueueWriteRequest{
			OpID:     args[0],
			OpType:   writeType,
			Priority: writePriority,
			DedupKey: writeDedupKey,
		}
		if writePayload != "" {
			if !json.Valid([]byte(writePayload)) {
				return handleError(fmt.Errorf("--payload is not valid JSON"))
			}
			req.Payload = json.RawMessage(writePayload)
		}
		requests = []cli.QueueWriteRequest{req}
	} else {
		cli.PrintError("either an op-id argument or --file is required")
		return cmd.Usage()
	}

	queued := 0
	for _, req := range requests {
		resp, err := client.QueueWrite(ctx, req)
		if err != nil {
			return handleError(err)
		}
		if !resp.Queued {
			return handleError(fmt.Errorf("%s rejected: buffer at capacity (backpressure %d%%)",
				req.OpID, resp.Backpressure))
		}
		queued++
	}

	if len(requests) == 1 {
		cli.PrintSuccess("Queued %s", requests[0].OpID)
	} else {
		cli.PrintSuccess("Queued %d operations", queued)
	}
	return nil
}

// readWritesFromFile reads operations from a JSON Lines file.
func readWritesFromFile(path string) ([]cli.QueueWriteRequest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var requests []cli.QueueWriteRequest
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var req cli.QueueWriteRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		requests = append(requests, req)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return requests, nil
}
