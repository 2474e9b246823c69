// Package surface is the submission API: the operations a client can
// perform against the runner, independent of transport. The RPC server and
// the CLI both sit on top of it.
package surface

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BHPAV/Runner/internal/graph"
	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/types"
)

// DefaultListLimit bounds ListPending when the caller gives no limit.
const DefaultListLimit = 20

// Service composes the graph request store with the stack/result storage.
type Service struct {
	store storage.Storage
	graph *graph.Store
}

// New creates a submission service.
func New(store storage.Storage, g *graph.Store) *Service {
	return &Service{store: store, graph: g}
}

// SubmitArgs is a submission request.
type SubmitArgs struct {
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Requester  string         `json:"requester,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// SubmitResult reports where a submission landed. IsNew is false when the
// request_id had already been accepted; the original row is echoed back.
type SubmitResult struct {
	RequestID string              `json:"request_id"`
	Status    types.RequestStatus `json:"status"`
	IsNew     bool                `json:"is_new"`
}

// Submit validates and records a task request. Duplicate request_ids are
// acknowledged without creating a second request.
func (s *Service) Submit(ctx context.Context, args SubmitArgs) (*SubmitResult, error) {
	if args.TaskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	req, created, err := s.graph.Submit(ctx, graph.Submission{
		RequestID:  args.RequestID,
		TaskID:     args.TaskID,
		Parameters: args.Parameters,
		Priority:   args.Priority,
		Requester:  args.Requester,
		DependsOn:  args.DependsOn,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResult{RequestID: req.RequestID, Status: req.Status, IsNew: created}, nil
}

// StatusResult is the live view of one request.
type StatusResult struct {
	RequestID  string              `json:"request_id"`
	TaskID     string              `json:"task_id"`
	Status     types.RequestStatus `json:"status"`
	Priority   int                 `json:"priority"`
	ClaimedBy  string              `json:"claimed_by,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	ClaimedAt  *time.Time          `json:"claimed_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	ResultRef  string              `json:"result_ref,omitempty"`
	HasOutputs bool                `json:"has_outputs"`
	Error      string              `json:"error,omitempty"`
	DependsOn  []string            `json:"depends_on,omitempty"`
}

// Status returns the current state of a request.
func (s *Service) Status(ctx context.Context, requestID string) (*StatusResult, error) {
	req, err := s.graph.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		RequestID:  req.RequestID,
		TaskID:     req.TaskID,
		Status:     req.Status,
		Priority:   req.Priority,
		ClaimedBy:  req.ClaimedBy,
		CreatedAt:  req.CreatedAt,
		ClaimedAt:  req.ClaimedAt,
		FinishedAt: req.FinishedAt,
		ResultRef:  req.ResultRef,
		HasOutputs: req.ResultRef != "",
		Error:      req.Error,
		DependsOn:  req.DependsOn,
	}, nil
}

// ResultOutput is the terminal outcome of a request, joined with the stack
// snapshot its result_ref points at.
type ResultOutput struct {
	RequestID string              `json:"request_id"`
	Status    types.RequestStatus `json:"status"`
	Output    any                 `json:"output,omitempty"`
	Context   types.StackContext  `json:"context"`
	Trace     []types.TraceEntry  `json:"trace,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// ErrNotFinished is returned by Result for a request that has not reached a
// terminal status yet.
var ErrNotFinished = errors.New("request not finished")

// Result returns the outcome of a finished request. includeTrace attaches
// the per-node execution trace, which can be large.
func (s *Service) Result(ctx context.Context, requestID string, includeTrace bool) (*ResultOutput, error) {
	req, err := s.graph.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, requestID, req.Status)
	}

	out := &ResultOutput{RequestID: req.RequestID, Status: req.Status, Error: req.Error}
	st, err := s.store.GetStackByRequest(ctx, requestID)
	if errors.Is(err, storage.ErrStackNotFound) {
		// Cancelled before any stack existed, or failed during stack creation.
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Output = st.FinalOutput
	out.Context = st.Context
	if includeTrace {
		out.Trace = st.Trace
	}
	return out, nil
}

// ListTasks returns catalog entries matching the filter substring.
func (s *Service) ListTasks(ctx context.Context, filter string, enabledOnly bool) ([]*types.TaskDefinition, error) {
	return s.store.ListTasks(ctx, filter, enabledOnly)
}

// CancelResult reports the outcome of a cancellation attempt.
type CancelResult struct {
	RequestID string              `json:"request_id"`
	Status    types.RequestStatus `json:"status"`
	Message   string              `json:"message"`
}

// Cancel cancels a request that has not been claimed yet. A request already
// claimed or finished is reported back with its current status rather than
// an error.
func (s *Service) Cancel(ctx context.Context, requestID string) (*CancelResult, error) {
	err := s.graph.Cancel(ctx, requestID)
	if err == nil {
		return &CancelResult{
			RequestID: requestID,
			Status:    types.RequestCancelled,
			Message:   "request cancelled",
		}, nil
	}
	if errors.Is(err, graph.ErrNotCancellable) {
		req, gerr := s.graph.Get(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		return &CancelResult{
			RequestID: requestID,
			Status:    req.Status,
			Message:   fmt.Sprintf("cannot cancel: request is %s", req.Status),
		}, nil
	}
	return nil, err
}

// ListPending lists unfinished requests, highest priority first. Limit
// defaults to DefaultListLimit; status defaults to pending.
func (s *Service) ListPending(ctx context.Context, status types.RequestStatus, limit int) ([]*types.TaskRequest, error) {
	if status == "" {
		status = types.RequestPending
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.graph.List(ctx, types.RequestFilter{Status: status, Limit: limit})
}
