package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/rpc"
	"github.com/BHPAV/Runner/internal/surface"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a request that has not been claimed yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var res surface.CancelResult
		handled, err := callDaemon(rpc.OpCancel, rpc.CancelArgs{RequestID: args[0]}, &res)
		if err != nil {
			return err
		}
		if !handled {
			s, cleanup, err := openStores(rootCtx)
			if err != nil {
				return err
			}
			defer cleanup()
			direct, err := s.Service().Cancel(rootCtx, args[0])
			if err != nil {
				return err
			}
			res = *direct
		}

		if jsonOutput() {
			return printJSON(res)
		}
		fmt.Printf("%s: %s\n", res.RequestID, res.Message)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
