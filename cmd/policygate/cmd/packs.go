package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

var (
	packOrgID    string
	packTemplate string
	packActor    string
	packFile     string
)

var packsCmd = &cobra.Command{
	Use:   "packs",
	Short: "Manage policy packs",
}

var packsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packs for a scope (global when --org is omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		packs, err := e.packs.List(ctx, packOrgID)
		if err != nil {
			return err
		}
		if len(packs) == 0 {
			fmt.Println("no packs")
			return nil
		}
		for _, p := range packs {
			fmt.Printf("%s  v%-8s %-28s categories=%d\n",
				p.ID, p.Version.String(), p.Name, len(p.Rules))
		}
		return nil
	},
}

var packsShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a pack as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		pack, err := e.packs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return yaml.NewEncoder(os.Stdout).Encode(pack)
	},
}

var packsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pack from a template or a rules file",
	Long: `Create a policy pack, either instantiating a built-in template:

  policygate packs create --template HIPAA_COMPLIANCE --org org-1

or from a YAML rules file with a name and a rules map:

  policygate packs create --file pack.yaml --org org-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (packTemplate == "") == (packFile == "") {
			return fmt.Errorf("exactly one of --template or --file is required")
		}
		ctx := cmd.Context()
		e, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		var pack *policy.Pack
		if packTemplate != "" {
			pack, err = e.packs.InstantiateTemplate(ctx, packTemplate, packOrgID, packActor)
		} else {
			var def struct {
				Name  string                          `yaml:"name"`
				Rules map[policy.Category]policy.Rule `yaml:"rules"`
			}
			data, readErr := os.ReadFile(packFile)
			if readErr != nil {
				return fmt.Errorf("read pack file: %w", readErr)
			}
			if err := yaml.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parse pack file: %w", err)
			}
			pack, err = e.packs.Create(ctx, def.Name, def.Rules, packOrgID, packActor)
		}
		if err != nil {
			return err
		}
		fmt.Printf("created pack %s (%s) v%s\n", pack.ID, pack.Name, pack.Version.String())
		return nil
	},
}

var packsArchiveCmd = &cobra.Command{
	Use:   "archive ID",
	Short: "Archive a pack (soft delete)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		if err := e.packs.Archive(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("archived pack %s\n", args[0])
		return nil
	},
}

func init() {
	packsCmd.PersistentFlags().StringVar(&packOrgID, "org", "", "organization scope (empty = global)")
	packsCreateCmd.Flags().StringVar(&packTemplate, "template", "", "built-in template name")
	packsCreateCmd.Flags().StringVar(&packFile, "file", "", "YAML file with name and rules")
	packsCreateCmd.Flags().StringVar(&packActor, "actor", "cli", "actor recorded as pack creator")

	packsCmd.AddCommand(packsListCmd, packsShowCmd, packsCreateCmd, packsArchiveCmd)
	rootCmd.AddCommand(packsCmd)
}
