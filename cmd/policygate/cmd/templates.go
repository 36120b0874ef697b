package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the built-in policy templates",
	Run: func(cmd *cobra.Command, args []string) {
		for _, info := range policy.ListPolicyTemplates() {
			fmt.Printf("%-22s %s\n", info.Name, info.Description)
		}
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Print a template's rules as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tpl, ok := policy.GetPolicyTemplate(args[0])
		if !ok {
			return fmt.Errorf("unknown template %q (run 'policygate templates' to list)", args[0])
		}
		return yaml.NewEncoder(os.Stdout).Encode(tpl)
	},
}

func init() {
	templatesCmd.AddCommand(templatesShowCmd)
	rootCmd.AddCommand(templatesCmd)
}
