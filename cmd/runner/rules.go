package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage cascade rules",
	Long: `Manage cascade rules. A rule matches committed source artifacts by kind
and materializes a new request from its parameter template; $source.<field>
placeholders are filled from the source's fields.`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cascade rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		all, _ := cmd.Flags().GetBool("all")

		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		rules, err := s.Graph.ListRules(rootCtx, !all)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(rules)
		}
		if len(rules) == 0 {
			fmt.Println("No rules.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RULE\tKIND\tTASK\tPRI\tENABLED\tDESCRIPTION")
		for _, rule := range rules {
			kind := rule.SourceKind
			if kind == "" {
				kind = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\n",
				rule.RuleID, kind, rule.TaskID, rule.Priority, rule.Enabled, rule.Description)
		}
		return w.Flush()
	},
}

var rulesCreateCmd = &cobra.Command{
	Use:   "create <rule-id>",
	Short: "Create or replace a cascade rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		taskID, _ := cmd.Flags().GetString("task")
		template, _ := cmd.Flags().GetString("template")
		priority, _ := cmd.Flags().GetInt("priority")
		description, _ := cmd.Flags().GetString("description")
		disabled, _ := cmd.Flags().GetBool("disabled")

		if taskID == "" {
			return fmt.Errorf("--task is required")
		}

		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		rule := &types.CascadeRule{
			RuleID:            args[0],
			Description:       description,
			SourceKind:        kind,
			TaskID:            taskID,
			ParameterTemplate: template,
			Priority:          priority,
			Enabled:           !disabled,
		}
		if err := s.Graph.PutRule(rootCtx, rule); err != nil {
			return err
		}
		fmt.Printf("Rule %s saved\n", rule.RuleID)
		return nil
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable a cascade rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], true)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a cascade rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], false)
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete a cascade rule, keeping requests it already triggered",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := s.Graph.DeleteRule(rootCtx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Rule %s deleted\n", args[0])
		return nil
	},
}

var rulesTriggeredCmd = &cobra.Command{
	Use:   "triggered <rule-id>",
	Short: "List the requests a rule has materialized",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		reqs, err := s.Graph.TriggeredRequests(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(reqs)
		}
		if len(reqs) == 0 {
			fmt.Println("No triggered requests.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tTASK\tSTATUS")
		for _, req := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", req.RequestID, req.TaskID, req.Status)
		}
		return w.Flush()
	},
}

func setRuleEnabled(ruleID string, enabled bool) error {
	s, cleanup, err := openStores(rootCtx)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := s.Graph.SetRuleEnabled(rootCtx, ruleID, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Rule %s %s\n", ruleID, state)
	return nil
}

func init() {
	rulesListCmd.Flags().Bool("all", false, "Include disabled rules")
	rulesCreateCmd.Flags().String("kind", "", "Source kind to match (empty matches all)")
	rulesCreateCmd.Flags().String("task", "", "Catalog task the rule submits")
	rulesCreateCmd.Flags().String("template", "{}", "Parameter template with $source.<field> placeholders")
	rulesCreateCmd.Flags().Int("priority", 0, "Priority of triggered requests (default 100)")
	rulesCreateCmd.Flags().String("description", "", "Human description")
	rulesCreateCmd.Flags().Bool("disabled", false, "Create the rule disabled")
	rulesCmd.AddCommand(rulesListCmd, rulesCreateCmd, rulesEnableCmd, rulesDisableCmd, rulesDeleteCmd, rulesTriggeredCmd)
	rootCmd.AddCommand(rulesCmd)
}
