package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "session-reservation-service",
	Short: "Session reservation service: session resolution, RTC tokens, room lifecycle",
	Long:  `HTTP + WebSocket API. Commands: api, migrate, seed, command, join.`,
	RunE:  runAPI, // default: run API (same as "session-reservation-service api")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "optional config file (env overrides it)")
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}
