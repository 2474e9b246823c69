package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/types"
)

const queueColumns = `queue_id, request_id, task_id, status, parameters,
	enqueued_at, started_at, finished_at, worker_id, lease_expires_at`

// Enqueue adds a standalone run of taskID to the queue. Idempotent on
// request_id: a duplicate submission returns the existing entry with
// created=false, whatever its current status.
func (s *Store) Enqueue(ctx context.Context, taskID string, params map[string]any, requestID string) (*types.QueueEntry, bool, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_queue (request_id, task_id, status, parameters, enqueued_at)
		VALUES (?, ?, 'queued', ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`, requestID, taskID, types.EncodeParams(params), nowString())
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	entry, err := s.getQueueEntryByRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	return entry, n > 0, nil
}

// ClaimQueued atomically takes the oldest queued entry, or steals one whose
// lease has expired, and marks it running under workerID. Returns (nil, nil)
// when there is nothing to claim or the pause_new_tasks flag is set.
func (s *Store) ClaimQueued(ctx context.Context, workerID string, lease time.Duration) (*types.QueueEntry, error) {
	paused, err := s.flagSet(ctx, storage.ControlPauseNewTasks)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	now := nowString()
	expires := formatTime(time.Now().Add(lease))
	row := s.db.QueryRowContext(ctx, `
		UPDATE task_queue
		SET status = 'running',
		    worker_id = ?,
		    started_at = COALESCE(started_at, ?),
		    lease_expires_at = ?
		WHERE queue_id = (
			SELECT queue_id FROM task_queue
			WHERE status = 'queued'
			   OR (status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
			ORDER BY enqueued_at ASC, queue_id ASC
			LIMIT 1
		)
		RETURNING `+queueColumns, workerID, now, expires, now)

	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue entry: %w", err)
	}
	return entry, nil
}

// RenewLease extends a running entry's lease. Leases are renewable mid-run
// so long tasks are not stolen while their worker is alive.
func (s *Store) RenewLease(ctx context.Context, queueID int64, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue SET lease_expires_at = ?
		WHERE queue_id = ? AND status = 'running'
	`, formatTime(time.Now().Add(lease)), queueID)
	if err != nil {
		return fmt.Errorf("failed to renew lease on %d: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue entry %d is not running", queueID)
	}
	return nil
}

// CompleteQueued settles a running entry with a terminal status.
func (s *Store) CompleteQueued(ctx context.Context, queueID int64, status types.NodeStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = ?, finished_at = ?, lease_expires_at = NULL
		WHERE queue_id = ? AND status = 'running'
	`, string(status), nowString(), queueID)
	if err != nil {
		return fmt.Errorf("failed to complete queue entry %d: %w", queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue entry %d is not running", queueID)
	}
	return nil
}

// GetQueueEntry fetches a queue entry by id.
func (s *Store) GetQueueEntry(ctx context.Context, queueID int64) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM task_queue WHERE queue_id = ?
	`, queueID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %d not found", queueID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %d: %w", queueID, err)
	}
	return entry, nil
}

func (s *Store) getQueueEntryByRequest(ctx context.Context, requestID string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM task_queue WHERE request_id = ?
	`, requestID)
	entry, err := scanQueueEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %s: %w", requestID, err)
	}
	return entry, nil
}

func scanQueueEntry(r rowScanner) (*types.QueueEntry, error) {
	var e types.QueueEntry
	var status, params, enqueued string
	var started, finished, lease sql.NullString
	if err := r.Scan(&e.QueueID, &e.RequestID, &e.TaskID, &status, &params,
		&enqueued, &started, &finished, &e.WorkerID, &lease); err != nil {
		return nil, err
	}
	e.Status = types.NodeStatus(status)
	e.Parameters = types.DecodeParams(params)
	e.EnqueuedAt = mustParseTime(enqueued)
	e.StartedAt = parseTime(started)
	e.FinishedAt = parseTime(finished)
	e.LeaseExpires = parseTime(lease)
	return &e, nil
}

// AddFanout registers a catalog task to enqueue when parentQueueID completes
// successfully.
func (s *Store) AddFanout(ctx context.Context, parentQueueID int64, childTaskID string, params map[string]any) error {
	if _, err := s.GetTask(ctx, childTaskID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_fanout (parent_queue_id, mode, child_task_id, parameters, created_at)
		VALUES (?, 'existing_task', ?, ?, ?)
	`, parentQueueID, childTaskID, types.EncodeParams(params), nowString())
	if err != nil {
		return fmt.Errorf("failed to add fanout for %d: %w", parentQueueID, err)
	}
	return nil
}

// AddInlineFanout registers an ephemeral task definition to materialize and
// enqueue when parentQueueID completes successfully.
func (s *Store) AddInlineFanout(ctx context.Context, parentQueueID int64, kind types.TaskKind, code string, timeout time.Duration) error {
	if code == "" {
		return fmt.Errorf("inline fanout requires code")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_fanout (parent_queue_id, mode, inline_kind, inline_code, inline_timeout_seconds, created_at)
		VALUES (?, 'inline_task', ?, ?, ?, ?)
	`, parentQueueID, string(kind), code, int64(timeout/time.Second), nowString())
	if err != nil {
		return fmt.Errorf("failed to add inline fanout for %d: %w", parentQueueID, err)
	}
	return nil
}

// ProcessFanout enqueues the unprocessed fanout children of a completed
// entry. Each row is processed exactly once; calling again is a no-op.
func (s *Store) ProcessFanout(ctx context.Context, parentQueueID int64) ([]types.FanoutRecord, error) {
	var records []types.FanoutRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT fanout_id, mode, child_task_id, parameters, inline_kind, inline_code, inline_timeout_seconds
			FROM task_fanout
			WHERE parent_queue_id = ? AND processed = 0
			ORDER BY fanout_id
		`, parentQueueID)
		if err != nil {
			return fmt.Errorf("failed to load fanout rows: %w", err)
		}
		pending, err := collectFanoutRows(rows)
		if err != nil {
			return err
		}

		now := nowString()
		for i := range pending {
			rec := &pending[i]
			taskID := rec.ChildTaskID
			if rec.Mode == "inline_task" {
				// Materialize the ephemeral definition in the catalog so the
				// child run resolves like any other task.
				taskID = fmt.Sprintf("inline-%d-%s", rec.FanoutID, uuid.NewString()[:8])
				_, err := tx.ExecContext(ctx, `
					INSERT INTO tasks (task_id, kind, code, default_params, timeout_seconds, enabled, created_at, updated_at)
					VALUES (?, ?, ?, '{}', ?, 1, ?, ?)
				`, taskID, rec.inlineKind, rec.inlineCode, rec.inlineTimeoutSec, now, now)
				if err != nil {
					return fmt.Errorf("failed to materialize inline task: %w", err)
				}
				rec.ChildTaskID = taskID
			}

			requestID := uuid.NewString()
			res, err := tx.ExecContext(ctx, `
				INSERT INTO task_queue (request_id, task_id, status, parameters, enqueued_at)
				VALUES (?, ?, 'queued', ?, ?)
			`, requestID, taskID, types.EncodeParams(rec.Parameters), now)
			if err != nil {
				return fmt.Errorf("failed to enqueue fanout child: %w", err)
			}
			childQueueID, err := res.LastInsertId()
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE task_fanout
				SET processed = 1, child_queue_id = ?, child_request_id = ?
				WHERE fanout_id = ?
			`, childQueueID, requestID, rec.FanoutID)
			if err != nil {
				return fmt.Errorf("failed to mark fanout processed: %w", err)
			}

			rec.ChildQueueID = childQueueID
			rec.ChildRequestID = requestID
			records = append(records, rec.FanoutRecord)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

type fanoutRow struct {
	types.FanoutRecord
	inlineKind       string
	inlineCode       string
	inlineTimeoutSec int64
}

func collectFanoutRows(rows *sql.Rows) ([]fanoutRow, error) {
	defer rows.Close()
	var out []fanoutRow
	for rows.Next() {
		var r fanoutRow
		var params string
		if err := rows.Scan(&r.FanoutID, &r.Mode, &r.ChildTaskID, &params,
			&r.inlineKind, &r.inlineCode, &r.inlineTimeoutSec); err != nil {
			return nil, fmt.Errorf("failed to scan fanout row: %w", err)
		}
		r.Parameters = types.DecodeParams(params)
		out = append(out, r)
	}
	return out, rows.Err()
}
