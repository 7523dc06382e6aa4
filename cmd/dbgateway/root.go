package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dbgateway",
	Short: "Web gateway for database application servers",
	Long: `dbgateway maps URL prefixes to backend database servers, pools and
fails over their connections, and relays buffered, chunked, event stream
and WebSocket responses to web clients.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Credentials referenced as ${VAR} in the config may come from .env.
		_ = godotenv.Load()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/config/gateway.yaml", "configuration file path")
}
