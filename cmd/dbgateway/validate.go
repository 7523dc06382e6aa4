package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devhatro/dbgateway/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	Long: `Load the configuration file, apply defaults and report every problem
found in the gateway settings and the server and path tables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✅ %s is valid\n", cfgFile)
		fmt.Fprintf(out, "   listen %s, %d server(s), %d path(s)\n", cfg.Gateway.ListenAddr, len(cfg.Servers), len(cfg.Paths))
		for _, p := range cfg.Paths {
			names := make([]string, 0, len(p.Servers))
			for _, s := range p.Servers {
				names = append(names, s.Name)
			}
			fmt.Fprintf(out, "   %-20s -> %s %v\n", p.Prefix, p.Function, names)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
