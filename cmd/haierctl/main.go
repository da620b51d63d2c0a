// Haierctl talks the Haier appliance serial wire protocol.
//
// It can drive a live session against a device over one serial port
// (connect), or passively reconstruct the conversation from two capture
// taps (monitor). The wire format, checksum calibration and pairing
// heuristics come from captures of the production dongle.
//
// Usage:
//
//	haierctl [command] [flags]
//
// See 'haierctl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shmrymbd/haier-decoder-sub000/internal/logging"
	"github.com/shmrymbd/haier-decoder-sub000/internal/version"
)

func main() {
	if err := logging.InitializeFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "haierctl",
	Short: "Haier appliance serial protocol tool",
	Long: `A protocol core and analysis tool for the Haier appliance serial link.

Drives live sessions (framing, integrity validation, request/response
correlation, session initialization, challenge authentication) or
passively pairs requests with responses across two capture taps.`,
	Version: version.Version,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("haierctl %s (commit: %s)\n", version.Version, version.Commit)
	},
}
