package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/cascade"
	"github.com/BHPAV/Runner/internal/config"
	"github.com/BHPAV/Runner/internal/processor"
)

// Exit codes for run-once, stable for scripting.
const (
	exitProcessed  = 0
	exitNoWork     = 1
	exitError      = 2
	exitKillSwitch = 3
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Claim and execute a single request, then exit",
	Long: `Claim and execute a single request, then exit. Intended for cron jobs and
CI steps that drain the queue one request at a time.

Exit codes: 0 a request was processed, 1 the queue was empty, 2 an error
occurred, 3 the kill switch is set.`,
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(runOnce())
	},
}

func runOnce() int {
	s, cleanup, err := openStores(rootCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	defer cleanup()

	killed, err := s.Store.KillSwitchActive(rootCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if killed {
		fmt.Fprintln(os.Stderr, "Kill switch is set; not claiming.")
		return exitKillSwitch
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	proc := processor.New(s.Store, s.Graph, newEngine(s, false), cascade.New(s.Graph, logger), processor.Options{
		RequestBudget: config.GetDuration("request-budget"),
		Logger:        logger,
	})
	worked, err := proc.ProcessOne(rootCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if !worked {
		fmt.Println("No claimable requests.")
		return exitNoWork
	}
	return exitProcessed
}

func init() {
	rootCmd.AddCommand(runOnceCmd)
}
