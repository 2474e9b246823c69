package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/config"
	"github.com/BHPAV/Runner/internal/processor"
	"github.com/BHPAV/Runner/internal/stack"
	"github.com/BHPAV/Runner/internal/subprocess"
)

// newEngine builds a stack engine for this workspace. quiet suppresses the
// step log, used when human output goes to stdout.
func newEngine(s *stores, quiet bool) *stack.Engine {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	if quiet {
		logger = log.New(io.Discard, "", 0)
	}
	runner := &subprocess.Runner{
		Python: config.GetString("python"),
		NPX:    config.GetString("npx"),
	}
	workerID := config.GetString("worker-id")
	if workerID == "" {
		workerID = processor.DefaultWorkerID()
	}
	return stack.New(s.Store, runner, stack.Options{
		WorkerID: workerID,
		Lease:    config.GetDuration("lease"),
		RunsDir:  config.RunsDir(s.Root),
		Logger:   logger,
	})
}

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Run and inspect execution stacks directly",
	Long: `Run and inspect execution stacks without going through the request queue.
Useful for local task development: 'stack start' runs a task and everything
it pushes, LIFO, in the foreground.`,
}

var stackStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Create a stack for a task and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paramsJSON, _ := cmd.Flags().GetString("params")
		pairs, _ := cmd.Flags().GetStringArray("param")
		requestID, _ := cmd.Flags().GetString("request-id")
		noRun, _ := cmd.Flags().GetBool("no-run")

		params, err := parseParamFlags(paramsJSON, pairs)
		if err != nil {
			return err
		}

		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		engine := newEngine(s, jsonOutput())
		created, err := engine.Create(rootCtx, requestID, args[0], params)
		if err != nil {
			return err
		}
		if noRun {
			fmt.Printf("Created stack %s (request %s)\n", created.StackID, created.RequestID)
			return nil
		}

		st, err := engine.RunToCompletion(rootCtx, created.StackID)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(st)
		}
		fmt.Printf("Stack %s finished: %s (%d steps)\n", created.StackID, st.Status, len(st.Trace))
		if st.ErrorMessage != "" {
			fmt.Printf("Error: %s\n", st.ErrorMessage)
		}
		if st.FinalOutput != nil {
			fmt.Println("Output:")
			return printJSON(st.FinalOutput)
		}
		return nil
	},
}

var stackResumeCmd = &cobra.Command{
	Use:   "resume <stack-id>",
	Short: "Resume a running stack, stealing expired leases",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := newEngine(s, jsonOutput()).RunToCompletion(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(st)
		}
		fmt.Printf("Stack %s: %s\n", args[0], st.Status)
		return nil
	},
}

var stackRunOneCmd = &cobra.Command{
	Use:   "run-one <stack-id>",
	Short: "Execute a single node of a stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		more, err := newEngine(s, jsonOutput()).RunOneStep(rootCtx, args[0])
		if err != nil {
			return err
		}
		if more {
			fmt.Println("Step done, stack has more work.")
		} else {
			fmt.Println("Stack has no more work.")
		}
		return nil
	},
}

var stackStatusCmd = &cobra.Command{
	Use:   "status <stack-id>",
	Short: "Show a stack's state, context and trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := s.Store.GetStack(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(st)
		}
		fmt.Printf("Stack:   %s\n", st.StackID)
		fmt.Printf("Status:  %s\n", st.Status)
		fmt.Printf("Root:    %s (request %s)\n", st.InitialTaskID, st.InitialRequestID)
		fmt.Printf("Steps:   %d\n", len(st.Trace))
		if st.ErrorMessage != "" {
			fmt.Printf("Error:   %s\n", st.ErrorMessage)
		}
		fmt.Println("Context:")
		return printJSON(st.Context)
	},
}

func init() {
	stackStartCmd.Flags().String("params", "", "Root task parameters as a JSON object")
	stackStartCmd.Flags().StringArray("param", nil, "Root task parameter as key=value (repeatable)")
	stackStartCmd.Flags().String("request-id", "", "Explicit request id (defaults to a fresh uuid)")
	stackStartCmd.Flags().Bool("no-run", false, "Create the stack without running it")
	stackCmd.AddCommand(stackStartCmd, stackResumeCmd, stackRunOneCmd, stackStatusCmd)
	rootCmd.AddCommand(stackCmd)
}
