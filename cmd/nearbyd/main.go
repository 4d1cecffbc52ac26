package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nearbyd",
	Short: "Nearby Connections peer-to-peer networking daemon",
	Long: `nearbyd drives the nearby connections core: advertise a service so
other endpoints can find and connect to you, discover endpoints someone
else is advertising, exchange payloads once connected, and upgrade a
connection onto a faster medium once it is established.

Only a loopback medium driver ships with this build. advertise and discover
each run on an in-process hub of their own, so they see no other endpoint;
send talks to an in-process peer it starts itself; serve runs a complete
two-sided demonstration of the protocol end to end.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(advertiseCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(serveCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
