package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "antbs",
	Short: "Antergos build server",
	Long: `Antbs builds the Antergos package and ISO repositories: pushes to the
packages repo become sandboxed makepkg runs, finished artifacts land in
the staging repo, and developer review promotes them to main.

All durable state lives in redis, so the server can be restarted at any
point without losing queued or in-flight work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"antbs version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}
