// Package types defines the core data types for the runner system.
package types

import (
	"encoding/json"
	"time"
)

// TaskKind identifies how a task's code is executed.
type TaskKind string

const (
	// KindShell runs the code as a shell command after substituting
	// {name} placeholders from the parameters map.
	KindShell TaskKind = "shell"
	// KindPython writes the code to a temp file and runs it with python3.
	KindPython TaskKind = "python"
	// KindPythonFile runs an existing python script; code holds the path,
	// resolved relative to the task's working directory when not absolute.
	KindPythonFile TaskKind = "python_file"
	// KindTypeScript writes the code to a temp file and runs it with npx ts-node.
	KindTypeScript TaskKind = "typescript"
)

// NodeStatus is the lifecycle state of a queue row (stack node or task_queue entry).
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeDone      NodeStatus = "done"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeDone || s == NodeFailed || s == NodeCancelled
}

// StackStatus is the lifecycle state of an execution stack.
type StackStatus string

const (
	StackRunning   StackStatus = "running"
	StackDone      StackStatus = "done"
	StackFailed    StackStatus = "failed"
	StackCancelled StackStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s StackStatus) Terminal() bool {
	return s == StackDone || s == StackFailed || s == StackCancelled
}

// RequestStatus is the lifecycle state of a TaskRequest in the graph store.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestBlocked   RequestStatus = "blocked"
	RequestClaimed   RequestStatus = "claimed"
	RequestExecuting RequestStatus = "executing"
	RequestDone      RequestStatus = "done"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == RequestDone || s == RequestFailed || s == RequestCancelled
}

// Request priority bounds.
const (
	MinPriority     = 1
	MaxPriority     = 1000
	DefaultPriority = 100
)

// TaskDefinition is an entry in the task catalog. Immutable during a stack run;
// writes happen only through seed/admin operations.
type TaskDefinition struct {
	TaskID        string            `json:"task_id"`
	Kind          TaskKind          `json:"kind"`
	Code          string            `json:"code"`
	DefaultParams map[string]any    `json:"default_params,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Timeout       time.Duration     `json:"timeout"`
	Enabled       bool              `json:"enabled"`
}

// CostMetrics captures what one task execution consumed.
type CostMetrics struct {
	WallMS    int64 `json:"wall_ms"`
	CPUUserMS int64 `json:"cpu_user_ms"`
	CPUSysMS  int64 `json:"cpu_sys_ms"`
	MaxRSSKB  int64 `json:"max_rss_kb"`
}

// StackNode is one task invocation inside an execution stack.
type StackNode struct {
	QueueID       int64          `json:"queue_id"`
	RequestID     string         `json:"request_id"`
	StackID       string         `json:"stack_id"`
	TaskID        string         `json:"task_id"`
	Depth         int            `json:"depth"`
	ParentQueueID *int64         `json:"parent_queue_id,omitempty"`
	Sequence      int            `json:"sequence"`
	Status        NodeStatus     `json:"status"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	WorkerID      string         `json:"worker_id,omitempty"`
	LeaseExpires  *time.Time     `json:"lease_expires_at,omitempty"`
	Parameters    map[string]any `json:"parameters"`
	InputContext  StackContext   `json:"input_context"`
	Output        any            `json:"output,omitempty"`
	OutputContext *StackContext  `json:"output_context,omitempty"`
	PushedChildren []PushedChild `json:"pushed_children,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Cost          *CostMetrics   `json:"cost,omitempty"`
}

// Stack is a durable container for one LIFO run started by a single request.
type Stack struct {
	StackID          string         `json:"stack_id"`
	CreatedAt        time.Time      `json:"created_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Status           StackStatus    `json:"status"`
	InitialRequestID string         `json:"initial_request_id"`
	InitialTaskID    string         `json:"initial_task_id"`
	InitialParams    map[string]any `json:"initial_params"`
	Context          StackContext   `json:"context"`
	Trace            []TraceEntry   `json:"trace,omitempty"`
	FinalOutput      any            `json:"final_output,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// TraceEntry is a snapshot of a stack node at termination, sufficient to
// reconstruct the run without re-reading the queue tables.
type TraceEntry struct {
	QueueID        int64         `json:"queue_id"`
	RequestID      string        `json:"request_id"`
	TaskID         string        `json:"task_id"`
	Depth          int           `json:"depth"`
	Status         NodeStatus    `json:"status"`
	StartedAt      string        `json:"started_at,omitempty"`
	FinishedAt     string        `json:"finished_at,omitempty"`
	ExecutionMS    int64         `json:"execution_ms"`
	InputContext   StackContext  `json:"input_context"`
	Output         any           `json:"output,omitempty"`
	PushedChildren []PushedChild `json:"pushed_children,omitempty"`
	Error          string        `json:"error,omitempty"`
	Cost           *CostMetrics  `json:"cost,omitempty"`
}

// QueueEntry is a row in the non-stack task queue.
type QueueEntry struct {
	QueueID      int64          `json:"queue_id"`
	RequestID    string         `json:"request_id"`
	TaskID       string         `json:"task_id"`
	Status       NodeStatus     `json:"status"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	LeaseExpires *time.Time     `json:"lease_expires_at,omitempty"`
	Parameters   map[string]any `json:"parameters"`
}

// FanoutRecord describes a task_fanout row materialized after a completed
// task_queue entry. Either ChildTaskID references an existing catalog task or
// InlineCode defines an ephemeral one.
type FanoutRecord struct {
	FanoutID       int64          `json:"fanout_id"`
	Mode           string         `json:"mode"` // "existing_task" or "inline_task"
	ChildTaskID    string         `json:"child_task_id"`
	ChildQueueID   int64          `json:"child_queue_id"`
	ChildRequestID string         `json:"child_request_id"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// TaskRequest is a graph-backed work item submitted externally, claimed by a
// worker and settled with a status and result reference.
type TaskRequest struct {
	RequestID  string         `json:"request_id"`
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters"`
	Status     RequestStatus  `json:"status"`
	Priority   int            `json:"priority"`
	Requester  string         `json:"requester"`
	CreatedAt  time.Time      `json:"created_at"`
	ClaimedBy  string         `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time     `json:"claimed_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	ResultRef  string         `json:"result_ref,omitempty"`
	Error      string         `json:"error,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// RequestFilter selects requests in List operations.
type RequestFilter struct {
	Status    RequestStatus `json:"status,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	Requester string        `json:"requester,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// CascadeRule creates a new request when a matching source artifact is committed.
type CascadeRule struct {
	RuleID            string    `json:"rule_id"`
	Description       string    `json:"description,omitempty"`
	SourceKind        string    `json:"source_kind,omitempty"` // empty matches all kinds
	TaskID            string    `json:"task_id"`
	ParameterTemplate string    `json:"parameter_template"`
	Priority          int       `json:"priority"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// Source is a committed source artifact evaluated against cascade rules.
type Source struct {
	SourceID  string            `json:"source_id"`
	Kind      string            `json:"kind"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Field returns a source attribute by name. "source_id" and "kind" are
// always available; everything else comes from Fields.
func (s *Source) Field(name string) (string, bool) {
	switch name {
	case "source_id":
		return s.SourceID, true
	case "kind":
		return s.Kind, true
	}
	v, ok := s.Fields[name]
	return v, ok
}

// EncodeParams marshals a parameters map, treating nil as the empty object.
func EncodeParams(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeParams unmarshals a parameters JSON string, returning an empty map on
// empty or malformed input.
func DecodeParams(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
