package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/config"
	"github.com/BHPAV/Runner/internal/processor"
	"github.com/BHPAV/Runner/internal/subprocess"
	"github.com/BHPAV/Runner/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with the plain task queue",
	Long: `Work with the plain task queue: single-task runs that need no stack or
dependency tracking, only at-least-once execution under a lease.`,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <task-id>",
	Short: "Enqueue a single task run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paramsJSON, _ := cmd.Flags().GetString("params")
		pairs, _ := cmd.Flags().GetStringArray("param")
		requestID, _ := cmd.Flags().GetString("request-id")

		params, err := parseParamFlags(paramsJSON, pairs)
		if err != nil {
			return err
		}

		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		entry, created, err := s.Store.Enqueue(rootCtx, args[0], params, requestID)
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(entry)
		}
		if created {
			fmt.Printf("Enqueued %s as queue entry %d (request %s)\n", entry.TaskID, entry.QueueID, entry.RequestID)
		} else {
			fmt.Printf("Request %s already enqueued as entry %d (%s)\n", entry.RequestID, entry.QueueID, entry.Status)
		}
		return nil
	},
}

var queueWorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Claim and execute queued tasks until the queue is empty",
	RunE: func(cmd *cobra.Command, _ []string) error {
		once, _ := cmd.Flags().GetBool("once")

		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		runner := &subprocess.Runner{
			Python: config.GetString("python"),
			NPX:    config.GetString("npx"),
		}
		workerID := config.GetString("worker-id")
		if workerID == "" {
			workerID = processor.DefaultWorkerID()
		}
		lease := config.GetDuration("lease")

		handled := 0
		for {
			if err := rootCtx.Err(); err != nil {
				break
			}
			entry, err := s.Store.ClaimQueued(rootCtx, workerID, lease)
			if err != nil {
				return err
			}
			if entry == nil {
				break
			}
			if err := workQueueEntry(s, runner, entry); err != nil {
				return err
			}
			handled++
			if once {
				break
			}
		}
		fmt.Printf("Handled %d queue entr%s\n", handled, plural(handled, "y", "ies"))
		return nil
	},
}

// workQueueEntry runs one claimed entry and settles it, enqueueing any
// fan-out children registered for it.
func workQueueEntry(s *stores, runner *subprocess.Runner, entry *types.QueueEntry) error {
	def, err := s.Store.GetTask(rootCtx, entry.TaskID)
	if err != nil {
		return s.Store.CompleteQueued(rootCtx, entry.QueueID, types.NodeFailed)
	}

	exec, err := runner.Execute(rootCtx, subprocess.Request{
		Def:     def,
		Params:  entry.Parameters,
		Context: types.NewStackContext(),
		QueueID: entry.QueueID,
		DBPath:  s.Store.Path(),
	})
	if err != nil || exec.Failed() {
		if err == nil {
			fmt.Printf("Entry %d (%s) failed: exit %d: %s\n",
				entry.QueueID, entry.TaskID, exec.ExitCode, strings.TrimSpace(exec.Stderr))
		}
		return s.Store.CompleteQueued(rootCtx, entry.QueueID, types.NodeFailed)
	}

	if err := s.Store.CompleteQueued(rootCtx, entry.QueueID, types.NodeDone); err != nil {
		return err
	}
	children, err := s.Store.ProcessFanout(rootCtx, entry.QueueID)
	if err != nil {
		return err
	}
	fmt.Printf("Entry %d (%s) done", entry.QueueID, entry.TaskID)
	if len(children) > 0 {
		fmt.Printf(", enqueued %d child task(s)", len(children))
	}
	fmt.Println()
	return nil
}

var queueShowCmd = &cobra.Command{
	Use:   "show <queue-id>",
	Short: "Show a queue entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var queueID int64
		if _, err := fmt.Sscanf(args[0], "%d", &queueID); err != nil {
			return fmt.Errorf("invalid queue id %q", args[0])
		}
		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()
		entry, err := s.Store.GetQueueEntry(rootCtx, queueID)
		if err != nil {
			return err
		}
		return printJSON(entry)
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	queueAddCmd.Flags().String("params", "", "Task parameters as a JSON object")
	queueAddCmd.Flags().StringArray("param", nil, "Task parameter as key=value (repeatable)")
	queueAddCmd.Flags().String("request-id", "", "Explicit request id for idempotent enqueue")
	queueWorkCmd.Flags().Bool("once", false, "Handle at most one entry")
	queueCmd.AddCommand(queueAddCmd, queueWorkCmd, queueShowCmd)
	rootCmd.AddCommand(queueCmd)
}
