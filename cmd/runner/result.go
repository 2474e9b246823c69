package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/rpc"
	"github.com/BHPAV/Runner/internal/surface"
)

var resultCmd = &cobra.Command{
	Use:   "result <request-id>",
	Short: "Show the outcome of a finished request",
	Long: `Show the final output and accumulated context of a finished request.
Fails while the request is still pending or executing.

Use --trace to include the per-task execution trace of the stack.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		includeTrace, _ := cmd.Flags().GetBool("trace")

		var out surface.ResultOutput
		handled, err := callDaemon(rpc.OpResult, rpc.ResultArgs{RequestID: args[0], IncludeTrace: includeTrace}, &out)
		if err != nil {
			return err
		}
		if !handled {
			s, cleanup, err := openStores(rootCtx)
			if err != nil {
				return err
			}
			defer cleanup()
			direct, err := s.Service().Result(rootCtx, args[0], includeTrace)
			if err != nil {
				return err
			}
			out = *direct
		}

		if jsonOutput() {
			return printJSON(out)
		}
		fmt.Printf("Request: %s (%s)\n", out.RequestID, out.Status)
		if out.Error != "" {
			fmt.Printf("Error:   %s\n", out.Error)
		}
		if out.Output != nil {
			fmt.Println("Output:")
			if err := printJSON(out.Output); err != nil {
				return err
			}
		}
		if len(out.Context.Variables) > 0 || len(out.Context.Outputs) > 0 {
			fmt.Println("Context:")
			if err := printJSON(out.Context); err != nil {
				return err
			}
		}
		if includeTrace {
			fmt.Printf("Trace (%d steps):\n", len(out.Trace))
			if err := printJSON(out.Trace); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	resultCmd.Flags().Bool("trace", false, "Include the per-task execution trace")
	rootCmd.AddCommand(resultCmd)
}
