// Dialogd is a multi-agent dialogue daemon for solution-focused brief
// therapy conversations. It drives a supervisor/therapist agent pair over a
// staged conversation graph and exposes sessions over HTTP.
//
// Usage:
//
//	# Start with defaults
//	dialogd serve
//
//	# Start with a config file
//	dialogd serve --config config/dialogd.yaml
//
//	# Configure via environment
//	DIALOGD_SERVER_HTTP_PORT=9000 dialogd serve
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dialogd",
	Short: "Multi-agent dialogue daemon for staged therapy conversations",
	Long: `dialogd runs a supervisor/therapist agent pair over a staged
conversation graph and exposes dialogue sessions over HTTP.`,
	Version: version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
