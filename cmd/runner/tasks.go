package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/rpc"
	"github.com/BHPAV/Runner/internal/types"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage the task catalog",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter, _ := cmd.Flags().GetString("filter")
		all, _ := cmd.Flags().GetBool("all")

		var defs []*types.TaskDefinition
		handled, err := callDaemon(rpc.OpListTasks, rpc.ListTasksArgs{Filter: filter, All: all}, &defs)
		if err != nil {
			return err
		}
		if !handled {
			s, cleanup, err := openStores(rootCtx)
			if err != nil {
				return err
			}
			defer cleanup()
			defs, err = s.Service().ListTasks(rootCtx, filter, !all)
			if err != nil {
				return err
			}
		}

		if jsonOutput() {
			return printJSON(defs)
		}
		if len(defs) == 0 {
			fmt.Println("No matching tasks.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tKIND\tTIMEOUT\tENABLED")
		for _, def := range defs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", def.TaskID, def.Kind, def.Timeout, def.Enabled)
		}
		return w.Flush()
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a catalog task definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()
		def, err := s.Store.GetTask(rootCtx, args[0])
		if err != nil {
			return err
		}
		return printJSON(def)
	},
}

var tasksEnableCmd = &cobra.Command{
	Use:   "enable <task-id>",
	Short: "Enable a catalog task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], true)
	},
}

var tasksDisableCmd = &cobra.Command{
	Use:   "disable <task-id>",
	Short: "Disable a catalog task so new runs refuse it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], false)
	},
}

func setTaskEnabled(taskID string, enabled bool) error {
	s, cleanup, err := openStores(rootCtx)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := s.Store.SetTaskEnabled(rootCtx, taskID, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Task %s %s\n", taskID, state)
	return nil
}

func init() {
	tasksListCmd.Flags().String("filter", "", "Substring filter on task id")
	tasksListCmd.Flags().Bool("all", false, "Include disabled tasks")
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksEnableCmd, tasksDisableCmd)
	rootCmd.AddCommand(tasksCmd)
}
