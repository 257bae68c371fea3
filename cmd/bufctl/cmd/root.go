// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// WHAT IS THIS?
// The root command that initializes the CLI and defines global flags.
// All subcommands inherit these flags and share the client configuration.
//
// GLOBAL FLAGS:
//   --server, -s    Server URL (default: http://localhost:8080)
//   --context, -c   Config context to use
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout in seconds (default: 30)
//
// SUBCOMMANDS:
//   write       Queue a write operation
//   stats       Show buffer statistics
//   health      Check daemon health
//   flush       Flush all buffered operations to the conductor
//   drain       Drain the buffer without flushing
//   resize      Change the maximum queue size at runtime
//   config      Manage CLI configuration
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethosengine/elohim-sub011/internal/cli"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	// Global flags
	serverFlag  string
	contextFlag string
	outputFlag  string
	timeoutFlag int

	// Shared instances
	config    *cli.Config
	client    *cli.Client
	formatter *cli.Formatter
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "bufctl",
	Short: "Command-line interface for the bufferd write buffer",
	Long: `bufctl - Manage a running bufferd daemon from the command line.

bufferd is a write-buffering daemon that absorbs bursts of small writes
and delivers them to a batch-oriented backend, featuring:
  • Priority lanes with last-write-wins deduplication
  • Backpressure signaling so producers can throttle themselves
  • Batched delivery with automatic retry of failed operations
  • Snapshot-based drain and restore across restarts

Use "bufctl [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"Server URL (env: BUFCTL_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&contextFlag, "context", "c", "",
		"Config context to use (env: BUFCTL_CONTEXT)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 0,
		"Request timeout in seconds (overrides context)")

	// Add subcommands
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// CLIENT INITIALIZATION
// =============================================================================

// initializeClient sets up the HTTP client and formatter before each command.
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip initialization for config commands (they manage config themselves)
	if cmd.Name() == "config" || cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return initializeMinimal()
	}

	// Load configuration
	var err error
	config, err = cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve server URL, API key, and timeout with flag > env > context
	// precedence.
	clientConfig := cli.ResolveClientConfig(serverFlag, contextFlag, config)
	if timeoutFlag > 0 {
		clientConfig.Timeout = time.Duration(timeoutFlag) * time.Second
	}
	client = cli.NewClient(clientConfig)

	// Create formatter
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)

	return nil
}

// initializeMinimal sets up state for commands that don't need the client.
func initializeMinimal() error {
	config, _ = cli.LoadConfig()

	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)

	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// getContext returns a context with the request timeout applied.
func getContext() (context.Context, context.CancelFunc) {
	timeout := 30 * time.Second
	if timeoutFlag > 0 {
		timeout = time.Duration(timeoutFlag) * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// handleError prints an error and returns it.
func handleError(err error) error {
	cli.PrintError("%v", err)
	return err
}
