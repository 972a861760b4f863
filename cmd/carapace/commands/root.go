// Package commands provides the CLI commands for Carapace.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/carapace-sec/carapace/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "carapace",
	Short: "Carapace - security-first personal AI-agent gateway",
	Long: `Carapace puts a security pipeline between an AI agent and every tool
it invokes: operations are classified, matched against plain-English
rules, and allowed, gated behind your approval, or blocked.

Run 'carapace serve' to start the gateway, or 'carapace sessions' to
manage sessions on a running server.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Output: os.Stderr,
			Pretty: printLogs,
		}
		if !printLogs {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Carapace server URL")

	rootCmd.SetVersionTemplate(fmt.Sprintf("carapace %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
