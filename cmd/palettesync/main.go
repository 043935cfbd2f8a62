package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "palettesync",
		Short: "Real-time palette collaboration server",
		Long: `Palettesync is the collaboration core for shared color palettes.

It hosts rooms over WebSocket: every edit is serialized through the
room's operation log, broadcast to all participants, and recoverable
after a disconnect through vector-clock resync.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
