package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/rpc"
	"github.com/BHPAV/Runner/internal/surface"
)

var submitCmd = &cobra.Command{
	Use:   "submit <task-id>",
	Short: "Submit a task request",
	Long: `Submit a task request to the queue. The request is executed by a running
'runner process' daemon, or by 'runner run-once'.

Submission is idempotent on --request-id: resubmitting an accepted id
acknowledges the original request instead of creating a duplicate.

Parameters can be given as a JSON object or as repeated key=value pairs:

  runner submit build --params '{"target": "all", "jobs": 4}'
  runner submit build --param target=all --param jobs=4`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paramsJSON, _ := cmd.Flags().GetString("params")
		pairs, _ := cmd.Flags().GetStringArray("param")
		priority, _ := cmd.Flags().GetInt("priority")
		requestID, _ := cmd.Flags().GetString("request-id")
		dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")

		params, err := parseParamFlags(paramsJSON, pairs)
		if err != nil {
			return err
		}
		sub := surface.SubmitArgs{
			TaskID:     args[0],
			Parameters: params,
			Priority:   priority,
			RequestID:  requestID,
			Requester:  defaultRequester(),
			DependsOn:  dependsOn,
		}

		var res surface.SubmitResult
		handled, err := callDaemon(rpc.OpSubmit, sub, &res)
		if err != nil {
			return err
		}
		if !handled {
			s, cleanup, err := openStores(rootCtx)
			if err != nil {
				return err
			}
			defer cleanup()
			direct, err := s.Service().Submit(rootCtx, sub)
			if err != nil {
				return err
			}
			res = *direct
		}

		if jsonOutput() {
			return printJSON(res)
		}
		if res.IsNew {
			fmt.Printf("Submitted %s (%s)\n", res.RequestID, res.Status)
		} else {
			fmt.Printf("Request %s already accepted (%s)\n", res.RequestID, res.Status)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().String("params", "", "Task parameters as a JSON object")
	submitCmd.Flags().StringArray("param", nil, "Task parameter as key=value (repeatable)")
	submitCmd.Flags().Int("priority", 0, "Request priority 1-1000 (default 100)")
	submitCmd.Flags().String("request-id", "", "Explicit request id for idempotent submission")
	submitCmd.Flags().StringSlice("depends-on", nil, "Request ids that must finish first")
	rootCmd.AddCommand(submitCmd)
}
