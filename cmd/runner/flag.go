package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/storage"
)

var flagCmd = &cobra.Command{
	Use:   "flag",
	Short: "Read and set control flags",
	Long: `Read and set control flags. Well-known flags:

  kill_switch      "1" stops all claiming and stack creation
  pause_new_tasks  "1" pauses plain task queue claims`,
}

var flagGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a control flag value",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()
		value, err := s.Store.GetFlag(rootCtx, args[0])
		if err != nil {
			return err
		}
		if value == "" {
			fmt.Printf("%s is not set\n", args[0])
		} else {
			fmt.Printf("%s = %s\n", args[0], value)
		}
		return nil
	},
}

var flagSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a control flag",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := s.Store.SetFlag(rootCtx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		if args[0] == storage.ControlKillSwitch && args[1] == "1" {
			fmt.Println("Processors will stop claiming; in-flight tasks finish.")
		}
		return nil
	},
}

func init() {
	flagCmd.AddCommand(flagGetCmd, flagSetCmd)
	rootCmd.AddCommand(flagCmd)
}
