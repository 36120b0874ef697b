package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	violationLimit int
	windowDays     int
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Query the decision log",
}

var violationsCmd = &cobra.Command{
	Use:   "violations AGENT_ID",
	Short: "List an agent's recent policy violations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		violations, err := e.decisions.AgentViolations(ctx, args[0], violationLimit)
		if err != nil {
			return err
		}
		if len(violations) == 0 {
			fmt.Println("no violations")
			return nil
		}
		for _, v := range violations {
			pack := v.PackName
			if pack == "" {
				pack = v.PackID
			}
			fmt.Printf("%s  %-15s pack=%s task=%q reasons=[%s]\n",
				v.DecidedAt.Format("2006-01-02 15:04:05"),
				v.Checkpoint, pack, v.TaskTitle, strings.Join(v.ReasonCodes, ", "))
		}
		return nil
	},
}

var complianceCmd = &cobra.Command{
	Use:   "compliance AGENT_ID",
	Short: "Print an agent's compliance rate over a trailing window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		rate, err := e.decisions.ComplianceRate(ctx, args[0], windowDays)
		if err != nil {
			return err
		}
		fmt.Printf("%.2f%%\n", rate)
		return nil
	},
}

func init() {
	violationsCmd.Flags().IntVar(&violationLimit, "limit", 0, "max violations to list (default 50)")
	complianceCmd.Flags().IntVar(&windowDays, "window-days", 0, "trailing window in days (default 90)")

	decisionsCmd.AddCommand(violationsCmd, complianceCmd)
	rootCmd.AddCommand(decisionsCmd)
}
