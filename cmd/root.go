// Package cmd holds the relay CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Multi-platform chat event router and coordination service",
	Long: `relay routes normalized chat events from platform collectors through
string-match rules, command resolution, rate limiting, and execution dispatch,
then aggregates handler responses back to the originating surfaces. It also
leases entities to an elastic collector fleet.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("relay", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ~/.relay/config.json5)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(versionCmd)
}

// resolveConfigPath applies the flag, then RELAY_CONFIG, then the default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if v := os.Getenv("RELAY_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return home + "/.relay/config.json5"
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
