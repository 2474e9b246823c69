package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/rpc"
	"github.com/BHPAV/Runner/internal/surface"
)

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show the current state of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var st surface.StatusResult
		handled, err := callDaemon(rpc.OpStatus, rpc.StatusArgs{RequestID: args[0]}, &st)
		if err != nil {
			return err
		}
		if !handled {
			s, cleanup, err := openStores(rootCtx)
			if err != nil {
				return err
			}
			defer cleanup()
			direct, err := s.Service().Status(rootCtx, args[0])
			if err != nil {
				return err
			}
			st = *direct
		}

		if jsonOutput() {
			return printJSON(st)
		}
		fmt.Printf("Request:  %s\n", st.RequestID)
		fmt.Printf("Task:     %s\n", st.TaskID)
		fmt.Printf("Status:   %s\n", st.Status)
		fmt.Printf("Priority: %d\n", st.Priority)
		fmt.Printf("Created:  %s\n", st.CreatedAt.Local().Format(time.RFC3339))
		if st.ClaimedBy != "" {
			fmt.Printf("Worker:   %s\n", st.ClaimedBy)
		}
		if st.FinishedAt != nil {
			fmt.Printf("Finished: %s\n", st.FinishedAt.Local().Format(time.RFC3339))
		}
		if len(st.DependsOn) > 0 {
			fmt.Printf("Depends:  %s\n", strings.Join(st.DependsOn, ", "))
		}
		if st.ResultRef != "" {
			fmt.Printf("Result:   %s\n", st.ResultRef)
		}
		if st.Error != "" {
			fmt.Printf("Error:    %s\n", st.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
