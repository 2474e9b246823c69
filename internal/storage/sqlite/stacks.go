package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/types"
)

const stackNodeColumns = `queue_id, request_id, stack_id, task_id, depth, parent_queue_id,
	sequence, status, enqueued_at, started_at, finished_at, worker_id, lease_expires_at,
	parameters, input_context, output, output_context, pushed_children, error_message, cost`

// CreateStack creates a stack with its root node queued. Idempotent on the
// initiating request_id: a duplicate submission returns the existing stack
// with Existing=true.
func (s *Store) CreateStack(ctx context.Context, taskID string, params map[string]any, requestID string) (*storage.StackCreation, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	out := &storage.StackCreation{RequestID: requestID, TaskID: taskID}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existingStackID string
		err := tx.QueryRowContext(ctx, `
			SELECT stack_id FROM execution_stacks WHERE initial_request_id = ?
		`, requestID).Scan(&existingStackID)
		if err == nil {
			out.Existing = true
			out.StackID = existingStackID
			return tx.QueryRowContext(ctx, `
				SELECT queue_id, task_id FROM stack_queue
				WHERE stack_id = ? AND depth = 0 AND sequence = 0
			`, existingStackID).Scan(&out.QueueID, &out.TaskID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check for existing stack: %w", err)
		}

		stackID := uuid.NewString()
		now := nowString()
		paramsJSON := types.EncodeParams(params)
		emptyCtx := types.EncodeContext(types.NewStackContext())

		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_stacks (stack_id, created_at, status, initial_request_id, initial_task_id, initial_params, context)
			VALUES (?, ?, 'running', ?, ?, ?, ?)
		`, stackID, now, requestID, taskID, paramsJSON, emptyCtx)
		if err != nil {
			return fmt.Errorf("failed to create stack: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO stack_queue (request_id, stack_id, task_id, depth, sequence, status, enqueued_at, parameters, input_context)
			VALUES (?, ?, ?, 0, 0, 'queued', ?, ?, ?)
		`, requestID, stackID, taskID, now, paramsJSON, emptyCtx)
		if err != nil {
			return fmt.Errorf("failed to enqueue root node: %w", err)
		}
		out.QueueID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		out.StackID = stackID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcquireStackNode claims the next node of the stack in LIFO order: the
// greatest (depth, sequence, queue_id) among queued nodes, or running nodes
// whose lease expired. The stack's current accumulated context is snapshotted
// into the node's input_context at claim time, so siblings observe the
// contributions of everything that ran before them. Returns (nil, nil) when
// no node is claimable.
func (s *Store) AcquireStackNode(ctx context.Context, stackID, workerID string, lease time.Duration) (*types.StackNode, error) {
	var node *types.StackNode
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		expires := formatTime(time.Now().Add(lease))
		row := tx.QueryRowContext(ctx, `
			UPDATE stack_queue
			SET status = 'running',
			    worker_id = ?,
			    started_at = COALESCE(started_at, ?),
			    lease_expires_at = ?
			WHERE queue_id = (
				SELECT queue_id FROM stack_queue
				WHERE stack_id = ?
				  AND (status = 'queued'
				       OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?))
				ORDER BY depth DESC, sequence DESC, queue_id DESC
				LIMIT 1
			)
			RETURNING `+stackNodeColumns, workerID, now, expires, stackID, now)

		claimed, err := scanStackNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to acquire stack node: %w", err)
		}

		var rawCtx string
		err = tx.QueryRowContext(ctx, `
			SELECT context FROM execution_stacks WHERE stack_id = ?
		`, stackID).Scan(&rawCtx)
		if err != nil {
			return fmt.Errorf("failed to read stack context: %w", err)
		}
		claimed.InputContext = types.DecodeContext(rawCtx)

		_, err = tx.ExecContext(ctx, `
			UPDATE stack_queue SET input_context = ? WHERE queue_id = ?
		`, types.EncodeContext(claimed.InputContext), claimed.QueueID)
		if err != nil {
			return fmt.Errorf("failed to snapshot input context: %w", err)
		}
		node = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// PushChildren enqueues children of a completed node atomically. Sequence
// follows declared order 0..n-1, so under the LIFO pick the last-declared
// child runs first. Returns the new queue ids in declared order.
func (s *Store) PushChildren(ctx context.Context, stackID string, parentQueueID int64, parentDepth int, children []types.PushedChild, snapshot types.StackContext) ([]int64, error) {
	if len(children) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(children))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		ctxJSON := types.EncodeContext(snapshot)
		for i, child := range children {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO stack_queue (request_id, stack_id, task_id, depth, parent_queue_id, sequence, status, enqueued_at, parameters, input_context)
				VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?)
			`, uuid.NewString(), stackID, child.TaskID, parentDepth+1, parentQueueID, i,
				now, types.EncodeParams(child.Parameters), ctxJSON)
			if err != nil {
				return fmt.Errorf("failed to push child %s: %w", child.TaskID, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FinalizeNode settles a running node with its result and, when the node
// actually ran a child process, the execution's cost metrics.
func (s *Store) FinalizeNode(ctx context.Context, queueID int64, status types.NodeStatus, output any, outputCtx types.StackContext, pushed []types.PushedChild, errMsg string, cost *types.CostMetrics) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	pushedJSON, err := json.Marshal(pushed)
	if err != nil {
		return fmt.Errorf("failed to encode pushed children: %w", err)
	}
	var costJSON any
	if cost != nil {
		costJSON = encodeAny(*cost)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE stack_queue
		SET status = ?, finished_at = ?, lease_expires_at = NULL,
		    output = ?, output_context = ?, pushed_children = ?, error_message = ?, cost = ?
		WHERE queue_id = ? AND status = 'running'
	`, string(status), nowString(), encodeAny(output), types.EncodeContext(outputCtx),
		string(pushedJSON), errMsg, costJSON, queueID)
	if err != nil {
		return fmt.Errorf("failed to finalize node %d: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("stack node %d is not running", queueID)
	}
	return nil
}

// CancelQueuedNodes cancels every still-queued node of the stack, recording
// reason on each. Returns the number of nodes cancelled.
func (s *Store) CancelQueuedNodes(ctx context.Context, stackID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stack_queue
		SET status = 'cancelled', finished_at = ?, error_message = ?
		WHERE stack_id = ? AND status = 'queued'
	`, nowString(), reason, stackID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued nodes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// PendingNodes counts the stack's nodes that are still queued or running.
func (s *Store) PendingNodes(ctx context.Context, stackID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stack_queue
		WHERE stack_id = ? AND status IN ('queued', 'running')
	`, stackID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending nodes: %w", err)
	}
	return n, nil
}

// GetStackContext reads the stack's current accumulated context.
func (s *Store) GetStackContext(ctx context.Context, stackID string) (types.StackContext, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT context FROM execution_stacks WHERE stack_id = ?
	`, stackID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewStackContext(), fmt.Errorf("%w: %s", storage.ErrStackNotFound, stackID)
	}
	if err != nil {
		return types.NewStackContext(), fmt.Errorf("failed to read stack context: %w", err)
	}
	return types.DecodeContext(raw), nil
}

// UpdateStackContext replaces the stack's accumulated context.
func (s *Store) UpdateStackContext(ctx context.Context, stackID string, sc types.StackContext) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_stacks SET context = ? WHERE stack_id = ?
	`, types.EncodeContext(sc), stackID)
	if err != nil {
		return fmt.Errorf("failed to update stack context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrStackNotFound, stackID)
	}
	return nil
}

// FinalizeStack settles the stack, building its trace from the terminal
// nodes ordered by completion time.
func (s *Store) FinalizeStack(ctx context.Context, stackID string, status types.StackStatus, finalOutput any, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		trace, err := buildTrace(ctx, tx, stackID)
		if err != nil {
			return err
		}
		traceJSON, err := json.Marshal(trace)
		if err != nil {
			return fmt.Errorf("failed to encode trace: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_stacks
			SET status = ?, finished_at = ?, trace = ?, final_output = ?, error_message = ?
			WHERE stack_id = ? AND status = 'running'
		`, string(status), nowString(), string(traceJSON), encodeAny(finalOutput), errMsg, stackID)
		if err != nil {
			return fmt.Errorf("failed to finalize stack: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("stack %s is not running", stackID)
		}
		return nil
	})
}

// GetStack returns the stack row with its decoded trace.
func (s *Store) GetStack(ctx context.Context, stackID string) (*types.Stack, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stack_id, created_at, finished_at, status, initial_request_id,
		       initial_task_id, initial_params, context, trace, final_output, error_message
		FROM execution_stacks WHERE stack_id = ?
	`, stackID)

	var st types.Stack
	var created, status, params, ctxJSON, traceJSON string
	var finished, finalOutput sql.NullString
	err := row.Scan(&st.StackID, &created, &finished, &status, &st.InitialRequestID,
		&st.InitialTaskID, &params, &ctxJSON, &traceJSON, &finalOutput, &st.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrStackNotFound, stackID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack %s: %w", stackID, err)
	}
	st.CreatedAt = mustParseTime(created)
	st.FinishedAt = parseTime(finished)
	st.Status = types.StackStatus(status)
	st.InitialParams = types.DecodeParams(params)
	st.Context = types.DecodeContext(ctxJSON)
	if traceJSON != "" && traceJSON != "[]" {
		if err := json.Unmarshal([]byte(traceJSON), &st.Trace); err != nil {
			return nil, fmt.Errorf("failed to decode trace for %s: %w", stackID, err)
		}
	}
	st.FinalOutput = decodeAny(finalOutput)
	return &st, nil
}

// GetStackByRequest returns the stack started by a request, if any.
func (s *Store) GetStackByRequest(ctx context.Context, requestID string) (*types.Stack, error) {
	var stackID string
	err := s.db.QueryRowContext(ctx, `
		SELECT stack_id FROM execution_stacks WHERE initial_request_id = ?
	`, requestID).Scan(&stackID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no stack for request %s", storage.ErrStackNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stack for %s: %w", requestID, err)
	}
	return s.GetStack(ctx, stackID)
}

func buildTrace(ctx context.Context, tx *sql.Tx, stackID string) ([]types.TraceEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+stackNodeColumns+` FROM stack_queue
		WHERE stack_id = ? AND status IN ('done', 'failed', 'cancelled')
		ORDER BY COALESCE(finished_at, enqueued_at), queue_id
	`, stackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trace nodes: %w", err)
	}
	defer rows.Close()

	var trace []types.TraceEntry
	for rows.Next() {
		node, err := scanStackNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace node: %w", err)
		}
		entry := types.TraceEntry{
			QueueID:        node.QueueID,
			RequestID:      node.RequestID,
			TaskID:         node.TaskID,
			Depth:          node.Depth,
			Status:         node.Status,
			InputContext:   node.InputContext,
			Output:         node.Output,
			PushedChildren: node.PushedChildren,
			Error:          node.ErrorMessage,
			Cost:           node.Cost,
		}
		if node.StartedAt != nil {
			entry.StartedAt = formatTime(*node.StartedAt)
		}
		if node.FinishedAt != nil {
			entry.FinishedAt = formatTime(*node.FinishedAt)
			if node.StartedAt != nil {
				entry.ExecutionMS = node.FinishedAt.Sub(*node.StartedAt).Milliseconds()
			}
		}
		trace = append(trace, entry)
	}
	return trace, rows.Err()
}

func scanStackNode(r rowScanner) (*types.StackNode, error) {
	var n types.StackNode
	var status, params, inputCtx, pushed, enqueued string
	var parent sql.NullInt64
	var started, finished, lease, output, outputCtx, cost sql.NullString
	err := r.Scan(&n.QueueID, &n.RequestID, &n.StackID, &n.TaskID, &n.Depth, &parent,
		&n.Sequence, &status, &enqueued, &started, &finished, &n.WorkerID, &lease,
		&params, &inputCtx, &output, &outputCtx, &pushed, &n.ErrorMessage, &cost)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		n.ParentQueueID = &parent.Int64
	}
	n.Status = types.NodeStatus(status)
	n.EnqueuedAt = mustParseTime(enqueued)
	n.StartedAt = parseTime(started)
	n.FinishedAt = parseTime(finished)
	n.LeaseExpires = parseTime(lease)
	n.Parameters = types.DecodeParams(params)
	n.InputContext = types.DecodeContext(inputCtx)
	n.Output = decodeAny(output)
	if outputCtx.Valid && outputCtx.String != "" {
		oc := types.DecodeContext(outputCtx.String)
		n.OutputContext = &oc
	}
	if pushed != "" && pushed != "[]" {
		if err := json.Unmarshal([]byte(pushed), &n.PushedChildren); err != nil {
			return nil, fmt.Errorf("failed to decode pushed children: %w", err)
		}
	}
	if cost.Valid && cost.String != "" {
		var cm types.CostMetrics
		if err := json.Unmarshal([]byte(cost.String), &cm); err != nil {
			return nil, fmt.Errorf("failed to decode cost: %w", err)
		}
		n.Cost = &cm
	}
	return &n, nil
}

// encodeAny marshals an arbitrary output value, mapping nil to SQL NULL.
func encodeAny(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeAny(s sql.NullString) any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return s.String
	}
	return v
}
