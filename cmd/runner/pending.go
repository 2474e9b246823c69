package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/rpc"
	"github.com/BHPAV/Runner/internal/types"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List unfinished requests, highest priority first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		listArgs := rpc.ListPendingArgs{Status: types.RequestStatus(status), Limit: limit}

		var reqs []*types.TaskRequest
		handled, err := callDaemon(rpc.OpListPending, listArgs, &reqs)
		if err != nil {
			return err
		}
		if !handled {
			s, cleanup, err := openStores(rootCtx)
			if err != nil {
				return err
			}
			defer cleanup()
			reqs, err = s.Service().ListPending(rootCtx, listArgs.Status, listArgs.Limit)
			if err != nil {
				return err
			}
		}

		if jsonOutput() {
			return printJSON(reqs)
		}
		if len(reqs) == 0 {
			fmt.Println("No matching requests.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tTASK\tSTATUS\tPRI\tREQUESTER\tAGE")
		for _, req := range reqs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				req.RequestID, req.TaskID, req.Status, req.Priority, req.Requester,
				time.Since(req.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

func init() {
	pendingCmd.Flags().String("status", "", "Filter by status (default pending)")
	pendingCmd.Flags().Int("limit", 0, "Maximum requests to list (default 20)")
	rootCmd.AddCommand(pendingCmd)
}
