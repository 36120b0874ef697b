// Package cmd provides the CLI commands for the policy engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agoramesh/policygate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "policygate",
	Short: "policygate - marketplace policy decision engine",
	Long: `policygate evaluates organization policy packs at marketplace
checkpoints (bid, assignment, tool invocation) and records every
allow/deny decision in an auditable trail.

Configuration:
  Config is loaded from policygate.yaml in the current directory,
  $HOME/.policygate/, or /etc/policygate/.

  Environment variables can override config values with the POLICYGATE_ prefix.
  Example: POLICYGATE_STORE_BACKEND=sqlite

Commands:
  templates   List or inspect the built-in policy templates
  packs       Manage policy packs (create, list, show, archive)
  eval        Evaluate checkpoint scenarios from a YAML file
  decisions   Query the decision log (violations, compliance)
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policygate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
