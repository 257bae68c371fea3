// =============================================================================
// VERSION COMMAND
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ethosengine/elohim-sub011/internal/cli"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Show bufctl version information.

Examples:
  bufctl version
  bufctl version -o json`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := &cli.VersionInfo{
		ClientVersion: cli.Version,
	}

	return formatter.FormatVersion(info)
}
