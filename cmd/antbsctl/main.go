package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/antergos/antbs/pkg/client"
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
	Use:   "antbsctl",
	Short: "Control the Antergos build server",
	Long: `Antbsctl talks to a running antbs server over its admin HTTP API:
trigger builds, review staged packages, reset queues and check health.

The server URL and api key can also come from the ANTBS_URL and
ANTBS_API_KEY environment variables.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"antbsctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", envOr("ANTBS_URL", "http://localhost:8020"), "antbs server URL")
	rootCmd.PersistentFlags().String("key", os.Getenv("ANTBS_API_KEY"), "admin api key")

	for _, c := range []*cobra.Command{buildCmd, rebuildCmd, removeCmd, reviewCmd} {
		c.Flags().String("dev", "", "developer name (defaults to $USER)")
	}

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(isoReleaseCmd)
	rootCmd.AddCommand(resetQueueCmd)
	rootCmd.AddCommand(rerunCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	key, _ := cmd.Flags().GetString("key")
	return client.New(server, key)
}

// devName resolves the developer identity sent with mutating calls.
func devName(cmd *cobra.Command) (string, error) {
	dev, _ := cmd.Flags().GetString("dev")
	if dev == "" {
		dev = os.Getenv("USER")
	}
	if dev == "" {
		return "", fmt.Errorf("--dev is required (could not infer from $USER)")
	}
	return dev, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient(cmd).Health(cmd.Context())
		if err != nil {
			return err
		}

		state := "healthy"
		if !h.Healthy {
			state = "unhealthy"
		}
		fmt.Printf("Server: %s (version %s, up %s)\n", state, h.Version, h.Uptime.Round(1e9))
		if h.Idle {
			fmt.Println("Builds: idle")
		} else {
			fmt.Println("Builds: busy")
		}
		for _, c := range h.Components {
			mark := "✓"
			if !c.Healthy {
				mark = "✗"
			}
			if c.Message != "" {
				fmt.Printf("  %s %s: %s\n", mark, c.Name, c.Message)
			} else {
				fmt.Printf("  %s %s\n", mark, c.Name)
			}
		}

		if !h.Healthy {
			return fmt.Errorf("server is unhealthy")
		}
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build PKGNAME",
	Short: "Queue an immediate build of a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := devName(cmd)
		if err != nil {
			return err
		}
		msg, err := newClient(cmd).TriggerBuild(cmd.Context(), args[0], dev)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild PKGNAME",
	Short: "Queue a rebuild of a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := devName(cmd)
		if err != nil {
			return err
		}
		msg, err := newClient(cmd).Rebuild(cmd.Context(), args[0], dev)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove PKGNAME",
	Short: "Remove a package from the main repo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := devName(cmd)
		if err != nil {
			return err
		}
		msg, err := newClient(cmd).RemovePackage(cmd.Context(), args[0], dev)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review BNUM passed|failed|skip",
	Short: "Record a review verdict for a staged build",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bnum, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || bnum <= 0 {
			return fmt.Errorf("BNUM must be a positive build number")
		}
		result := args[1]
		if result != "passed" && result != "failed" && result != "skip" {
			return fmt.Errorf("result must be 'passed', 'failed' or 'skip'")
		}
		dev, err := devName(cmd)
		if err != nil {
			return err
		}

		msg, err := newClient(cmd).SubmitReview(cmd.Context(), bnum, dev, result)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var isoReleaseCmd = &cobra.Command{
	Use:   "iso-release",
	Short: "Queue an ISO release run",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := newClient(cmd).ReleaseISO(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var resetQueueCmd = &cobra.Command{
	Use:   "reset-queue",
	Short: "Empty every build queue and force the server idle",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := newClient(cmd).ResetQueues(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun EVENT_ID",
	Short: "Re-queue the packages from a past timeline event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || eventID <= 0 {
			return fmt.Errorf("EVENT_ID must be a positive event id")
		}
		msg, err := newClient(cmd).RerunTransaction(cmd.Context(), eventID)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}
