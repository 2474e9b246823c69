// Package stack runs execution stacks: LIFO scheduling over the stack store
// with monadic context accumulation across tasks.
package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/subprocess"
	"github.com/BHPAV/Runner/internal/types"
)

// ErrKillSwitch is returned by Create while the kill switch is set.
var ErrKillSwitch = errors.New("kill switch is active")

// ErrTaskDisabled is returned by Create for a disabled catalog task.
var ErrTaskDisabled = errors.New("task is disabled")

// cancelReasonFailed is recorded on queued nodes cancelled by a sibling's failure.
const cancelReasonFailed = "parent stack failed"

// maxErrorLen bounds error messages persisted from child stderr.
const maxErrorLen = 2000

// Options configures an Engine.
type Options struct {
	WorkerID string
	Lease    time.Duration // node lease; should exceed the longest task timeout
	RunsDir  string        // where finished stack snapshots are written, "" disables
	Logger   *log.Logger
}

// Engine drives stacks to completion against the store.
type Engine struct {
	store  storage.Storage
	runner *subprocess.Runner
	opts   Options
}

// New creates an engine. A nil runner gets the zero-value subprocess runner.
func New(store storage.Storage, runner *subprocess.Runner, opts Options) *Engine {
	if runner == nil {
		runner = &subprocess.Runner{}
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "stack-engine"
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Engine{store: store, runner: runner, opts: opts}
}

// Create starts a new stack for taskID. Refuses while the kill switch is
// set and for disabled tasks; the enabled bit is checked here only, a task
// disabled mid-run keeps running.
func (e *Engine) Create(ctx context.Context, requestID, taskID string, params map[string]any) (*storage.StackCreation, error) {
	killed, err := e.store.KillSwitchActive(ctx)
	if err != nil {
		return nil, err
	}
	if killed {
		return nil, ErrKillSwitch
	}

	def, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTaskDisabled, taskID)
	}

	created, err := e.store.CreateStack(ctx, taskID, params, requestID)
	if err != nil {
		return nil, err
	}
	if created.Existing {
		e.opts.Logger.Printf("stack: request %s already has stack %s", created.RequestID, created.StackID)
	} else {
		e.opts.Logger.Printf("stack: created %s root=%s request=%s", created.StackID, taskID, created.RequestID)
	}
	return created, nil
}

// RunToCompletion steps the stack until it reaches a terminal status or ctx
// is cancelled. Returns the finished stack.
func (e *Engine) RunToCompletion(ctx context.Context, stackID string) (*types.Stack, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		more, err := e.RunOneStep(ctx, stackID)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return e.store.GetStack(ctx, stackID)
}

// RunOneStep claims and executes one node of the stack. Returns whether the
// stack still has work. When the last node settles, the stack is finalized
// and its snapshot written to the runs dir.
func (e *Engine) RunOneStep(ctx context.Context, stackID string) (bool, error) {
	node, err := e.store.AcquireStackNode(ctx, stackID, e.opts.WorkerID, e.opts.Lease)
	if err != nil {
		return false, err
	}
	if node == nil {
		return false, e.settleIfDrained(ctx, stackID)
	}

	e.opts.Logger.Printf("stack %s: running %s (queue_id=%d depth=%d)", short(stackID), node.TaskID, node.QueueID, node.Depth)

	def, err := e.store.GetTask(ctx, node.TaskID)
	if err != nil {
		return false, e.failStack(ctx, stackID, node, fmt.Sprintf("task %s not in catalog", node.TaskID), nil)
	}

	exec, err := e.runner.Execute(ctx, subprocess.Request{
		Def:     def,
		Params:  mergeParams(def.DefaultParams, node.Parameters),
		Context: node.InputContext,
		QueueID: node.QueueID,
		StackID: stackID,
		DBPath:  e.store.Path(),
	})
	if err != nil {
		return false, e.failStack(ctx, stackID, node, fmt.Sprintf("execution setup: %v", err), nil)
	}
	if exec.Failed() {
		msg := fmt.Sprintf("task %s exited %d: %s", node.TaskID, exec.ExitCode, truncate(strings.TrimSpace(exec.Stderr), maxErrorLen))
		return false, e.failStack(ctx, stackID, node, msg, &exec.Cost)
	}

	result := exec.Result
	next := node.InputContext.Bind(*result)
	if err := e.store.UpdateStackContext(ctx, stackID, next); err != nil {
		return false, err
	}

	if result.Abort {
		// A task-requested abort cancels the rest of the stack but is not a
		// failure: the aborting node itself settles done.
		if err := e.store.FinalizeNode(ctx, node.QueueID, types.NodeDone, result.Output, next, nil, "", &exec.Cost); err != nil {
			return false, err
		}
		if _, err := e.store.CancelQueuedNodes(ctx, stackID, "stack aborted"); err != nil {
			return false, err
		}
		msg := fmt.Sprintf("aborted by task %s", node.TaskID)
		if len(result.Errors) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.Join(result.Errors, "; "))
		}
		if err := e.store.FinalizeStack(ctx, stackID, types.StackCancelled, next.LastOutput(), msg); err != nil {
			return false, err
		}
		e.opts.Logger.Printf("stack %s: %s", short(stackID), msg)
		e.writeRunFile(ctx, stackID)
		return false, nil
	}

	if len(result.PushedChildren) > 0 {
		if _, err := e.store.PushChildren(ctx, stackID, node.QueueID, node.Depth, result.PushedChildren, next); err != nil {
			return false, err
		}
	}
	if err := e.store.FinalizeNode(ctx, node.QueueID, types.NodeDone, result.Output, next, result.PushedChildren, "", &exec.Cost); err != nil {
		return false, err
	}

	pending, err := e.store.PendingNodes(ctx, stackID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return true, nil
	}
	return false, e.finalizeDone(ctx, stackID, next)
}

// settleIfDrained finalizes a stack that is still marked running but has no
// claimable work, which happens when a previous runner crashed between the
// last node and finalization.
func (e *Engine) settleIfDrained(ctx context.Context, stackID string) error {
	st, err := e.store.GetStack(ctx, stackID)
	if err != nil {
		return err
	}
	if st.Status != types.StackRunning {
		return nil
	}
	pending, err := e.store.PendingNodes(ctx, stackID)
	if err != nil {
		return err
	}
	if pending > 0 {
		// Another worker holds a live lease.
		return nil
	}
	return e.finalizeDone(ctx, stackID, st.Context)
}

func (e *Engine) finalizeDone(ctx context.Context, stackID string, sc types.StackContext) error {
	if err := e.store.FinalizeStack(ctx, stackID, types.StackDone, sc.LastOutput(), ""); err != nil {
		return err
	}
	e.opts.Logger.Printf("stack %s: done", short(stackID))
	e.writeRunFile(ctx, stackID)
	return nil
}

// failStack settles the failing node, cancels everything still queued and
// fails the stack. cost is nil when no child process ran.
func (e *Engine) failStack(ctx context.Context, stackID string, node *types.StackNode, msg string, cost *types.CostMetrics) error {
	if err := e.store.FinalizeNode(ctx, node.QueueID, types.NodeFailed, nil, node.InputContext, nil, msg, cost); err != nil {
		return err
	}
	if _, err := e.store.CancelQueuedNodes(ctx, stackID, cancelReasonFailed); err != nil {
		return err
	}
	if err := e.store.FinalizeStack(ctx, stackID, types.StackFailed, nil, msg); err != nil {
		return err
	}
	e.opts.Logger.Printf("stack %s: failed: %s", short(stackID), msg)
	e.writeRunFile(ctx, stackID)
	return nil
}

// ResultRef is the stable reference recorded against the request that
// started the stack.
func ResultRef(stackID string) string {
	return "stack_" + short(stackID)
}

// RunFileName is the snapshot file written under the runs dir.
func RunFileName(stackID string) string {
	return ResultRef(stackID) + ".json"
}

func (e *Engine) writeRunFile(ctx context.Context, stackID string) {
	if e.opts.RunsDir == "" {
		return
	}
	st, err := e.store.GetStack(ctx, stackID)
	if err != nil {
		e.opts.Logger.Printf("stack %s: snapshot read failed: %v", short(stackID), err)
		return
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		e.opts.Logger.Printf("stack %s: snapshot encode failed: %v", short(stackID), err)
		return
	}
	if err := os.MkdirAll(e.opts.RunsDir, 0o755); err != nil {
		e.opts.Logger.Printf("stack %s: runs dir: %v", short(stackID), err)
		return
	}
	path := filepath.Join(e.opts.RunsDir, RunFileName(stackID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.opts.Logger.Printf("stack %s: snapshot write failed: %v", short(stackID), err)
	}
}

// mergeParams layers submitted parameters over the task's defaults.
func mergeParams(defaults, submitted map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(submitted))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range submitted {
		merged[k] = v
	}
	return merged
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func short(stackID string) string {
	if len(stackID) <= 8 {
		return stackID
	}
	return stackID[:8]
}
