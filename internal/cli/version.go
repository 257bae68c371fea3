package cli

import (
	"fmt"
	"os"
)

// Version is the bufctl client version.
const Version = "v0.1.0"

// VersionInfo holds client and server version information.
type VersionInfo struct {
	ClientVersion string `json:"client_version" yaml:"client_version"`
	ServerVersion string `json:"server_version,omitempty" yaml:"server_version,omitempty"`
}

// FormatVersion outputs version information.
func (f *Formatter) FormatVersion(info *VersionInfo) error {
	if f.format == OutputJSON {
		return f.formatJSON(info)
	}
	if f.format == OutputYAML {
		return f.formatYAML(info)
	}

	fmt.Fprintf(f.writer, "Client Version: %s\n", info.ClientVersion)
	if info.ServerVersion != "" {
		fmt.Fprintf(f.writer, "Server Version: %s\n", info.ServerVersion)
	}
	return nil
}

// PrintError writes a formatted error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess writes a formatted success message to stdout.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Printf("✓ "+format+"\n", args...)
}
