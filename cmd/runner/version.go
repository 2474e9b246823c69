package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the runner CLI and daemon version.
const Version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the runner version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("runner %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
