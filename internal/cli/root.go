// Package cli provides the command-line interface for glashatay.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vklachkov/glashatay/internal/config"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "glashatay",
	Short: "Forward VK walls and RSS feeds into Telegram channels",
	Long: "glashatay polls VK walls and RSS feeds and forwards every new post, in order and exactly once, " +
		"into the Telegram chat configured for it.",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("glashatay %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "path to config file (.yaml or .toml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
