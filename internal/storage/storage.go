// Package storage defines the interface for the runner's durable state:
// the task catalog, the lease-based task queue, the stack store, and the
// global control flags.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/BHPAV/Runner/internal/types"
)

// ErrTaskNotFound is returned when a task_id has no catalog entry.
var ErrTaskNotFound = errors.New("task not found")

// ErrStackNotFound is returned when a stack_id has no execution_stacks row.
var ErrStackNotFound = errors.New("stack not found")

// ControlKillSwitch is the control_flags key that stops all claiming and
// stack creation when set to "1".
const ControlKillSwitch = "kill_switch"

// ControlPauseNewTasks pauses task_queue claims when set to "1". Stack-backed
// requests are unaffected.
const ControlPauseNewTasks = "pause_new_tasks"

// StackCreation describes the outcome of CreateStack. When Existing is true
// the request_id had already been submitted and the prior stack is returned.
type StackCreation struct {
	StackID   string
	QueueID   int64
	RequestID string
	TaskID    string
	Existing  bool
}

// Storage is the durable state authority shared by the stack engine, the
// single-task runner, and the processor daemon.
type Storage interface {
	// Task catalog. Writes happen only during seed/admin operations.
	GetTask(ctx context.Context, taskID string) (*types.TaskDefinition, error)
	ListTasks(ctx context.Context, filter string, enabledOnly bool) ([]*types.TaskDefinition, error)
	PutTask(ctx context.Context, def *types.TaskDefinition) error
	SetTaskEnabled(ctx context.Context, taskID string, enabled bool) error

	// Non-stack task queue. Enqueue is idempotent on request_id: a duplicate
	// submission returns the existing entry with created=false. Claim
	// atomically takes the oldest queued row or steals an expired lease.
	// Leases are renewable mid-run via RenewLease.
	Enqueue(ctx context.Context, taskID string, params map[string]any, requestID string) (entry *types.QueueEntry, created bool, err error)
	ClaimQueued(ctx context.Context, workerID string, lease time.Duration) (*types.QueueEntry, error)
	RenewLease(ctx context.Context, queueID int64, lease time.Duration) error
	CompleteQueued(ctx context.Context, queueID int64, status types.NodeStatus) error
	GetQueueEntry(ctx context.Context, queueID int64) (*types.QueueEntry, error)

	// Fan-out rows attached to a task_queue entry. ProcessFanout enqueues the
	// children of a completed entry exactly once and reports what it created.
	AddFanout(ctx context.Context, parentQueueID int64, childTaskID string, params map[string]any) error
	AddInlineFanout(ctx context.Context, parentQueueID int64, kind types.TaskKind, code string, timeout time.Duration) error
	ProcessFanout(ctx context.Context, parentQueueID int64) ([]types.FanoutRecord, error)

	// Stack store. CreateStack seeds the root node; AcquireStackNode is the
	// LIFO pick (greatest depth, sequence, queue_id) and snapshots the
	// stack's current accumulated context into the node.
	CreateStack(ctx context.Context, taskID string, params map[string]any, requestID string) (*StackCreation, error)
	AcquireStackNode(ctx context.Context, stackID, workerID string, lease time.Duration) (*types.StackNode, error)
	PushChildren(ctx context.Context, stackID string, parentQueueID int64, parentDepth int, children []types.PushedChild, snapshot types.StackContext) ([]int64, error)
	FinalizeNode(ctx context.Context, queueID int64, status types.NodeStatus, output any, outputCtx types.StackContext, pushed []types.PushedChild, errMsg string, cost *types.CostMetrics) error
	CancelQueuedNodes(ctx context.Context, stackID, reason string) (int, error)
	PendingNodes(ctx context.Context, stackID string) (int, error)
	GetStackContext(ctx context.Context, stackID string) (types.StackContext, error)
	UpdateStackContext(ctx context.Context, stackID string, sc types.StackContext) error
	FinalizeStack(ctx context.Context, stackID string, status types.StackStatus, finalOutput any, errMsg string) error
	GetStack(ctx context.Context, stackID string) (*types.Stack, error)
	GetStackByRequest(ctx context.Context, requestID string) (*types.Stack, error)

	// Control flags.
	GetFlag(ctx context.Context, key string) (string, error)
	SetFlag(ctx context.Context, key, value string) error
	KillSwitchActive(ctx context.Context) (bool, error)

	// Lifecycle.
	Close() error
	Path() string

	// UnderlyingDB exposes the *sql.DB for migrations and diagnostics.
	// Direct access bypasses the storage layer; use with caution.
	UnderlyingDB() *sql.DB
}

// Config holds database configuration.
type Config struct {
	Path string // database file path
}
