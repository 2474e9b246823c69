package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/BHPAV/Runner/internal/types"
)

// ErrTaskDisabled is returned for submissions against a disabled catalog
// task.
var ErrTaskDisabled = errors.New("task is disabled")

// maxErrorLen bounds the error string persisted on failed requests.
const maxErrorLen = 2000

const requestColumns = `request_id, task_id, parameters, status, priority, requester,
	created_at, claimed_by, claimed_at, finished_at, result_ref, error`

// Submission is the input to Submit.
type Submission struct {
	RequestID  string
	TaskID     string
	Parameters map[string]any
	Priority   int // 0 means DefaultPriority
	Requester  string
	DependsOn  []string
}

// Submit creates a request node. Idempotent on request_id: resubmission
// returns the existing node with created=false and changes nothing. The new
// node starts pending when every dependency is already done, blocked
// otherwise.
func (s *Store) Submit(ctx context.Context, sub Submission) (*types.TaskRequest, bool, error) {
	if sub.TaskID == "" {
		return nil, false, fmt.Errorf("task_id is required")
	}
	priority := sub.Priority
	if priority == 0 {
		priority = types.DefaultPriority
	}
	if priority < types.MinPriority || priority > types.MaxPriority {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	if s.tasks != nil {
		def, err := s.tasks.GetTask(ctx, sub.TaskID)
		if err != nil {
			return nil, false, err
		}
		if !def.Enabled {
			return nil, false, fmt.Errorf("%w: %s", ErrTaskDisabled, sub.TaskID)
		}
	}
	requestID := sub.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var req *types.TaskRequest
	created := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRequestTx(ctx, tx, requestID)
		if err == nil {
			req = existing
			return nil
		}
		if !errors.Is(err, ErrRequestNotFound) {
			return err
		}

		allDone := true
		for _, dep := range sub.DependsOn {
			depReq, err := getRequestTx(ctx, tx, dep)
			if errors.Is(err, ErrRequestNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
			}
			if err != nil {
				return err
			}
			if depReq.Status != types.RequestDone {
				allDone = false
			}
		}

		status := types.RequestPending
		if !allDone {
			status = types.RequestBlocked
		}
		now := nowString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_requests (request_id, task_id, parameters, status, priority, requester, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, requestID, sub.TaskID, types.EncodeParams(sub.Parameters), string(status),
			priority, sub.Requester, now)
		if err != nil {
			return fmt.Errorf("failed to insert request: %w", err)
		}
		for _, dep := range sub.DependsOn {
			if err := addEdgeTx(ctx, tx, requestID, dep, EdgeDependsOn); err != nil {
				return err
			}
		}
		created = true
		req, err = getRequestTx(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, created, nil
}

// AddDependency records a depends_on edge after submission, rejecting edges
// that would close a cycle. The dependent is demoted to blocked when the new
// target is not done.
func (s *Store) AddDependency(ctx context.Context, requestID, dependsOn string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if requestID == dependsOn {
			return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, requestID)
		}
		if _, err := getRequestTx(ctx, tx, requestID); err != nil {
			return err
		}
		dep, err := getRequestTx(ctx, tx, dependsOn)
		if errors.Is(err, ErrRequestNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, dependsOn)
		}
		if err != nil {
			return err
		}
		reachable, err := hasPathTx(ctx, tx, dependsOn, requestID)
		if err != nil {
			return err
		}
		if reachable {
			return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, requestID, dependsOn)
		}
		if err := addEdgeTx(ctx, tx, requestID, dependsOn, EdgeDependsOn); err != nil {
			return err
		}
		if dep.Status != types.RequestDone {
			_, err = tx.ExecContext(ctx, `
				UPDATE task_requests SET status = 'blocked'
				WHERE request_id = ? AND status = 'pending'
			`, requestID)
			return err
		}
		return nil
	})
}

// hasPathTx reports whether `to` is reachable from `from` over depends_on
// edges. Iterative DFS; per-submission graphs are small.
func hasPathTx(ctx context.Context, tx *sql.Tx, from, to string) (bool, error) {
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		node := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if node == to {
			return true, nil
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT to_id FROM request_edges WHERE from_id = ? AND kind = ?
		`, node, EdgeDependsOn)
		if err != nil {
			return false, fmt.Errorf("failed to walk edges: %w", err)
		}
		var next []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, err
		}
		rows.Close()
		for _, id := range next {
			if !seen[id] {
				seen[id] = true
				frontier = append(frontier, id)
			}
		}
	}
	return false, nil
}

func addEdgeTx(ctx context.Context, tx *sql.Tx, from, to, kind string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_edges (from_id, to_id, kind, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, kind) DO NOTHING
	`, from, to, kind, nowString())
	if err != nil {
		return fmt.Errorf("failed to add %s edge: %w", kind, err)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority, earliest-created pending
// request whose dependencies are all done. The single conditional UPDATE
// makes concurrent callers observe disjoint rows. Returns (nil, nil) when
// nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*types.TaskRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE task_requests
		SET status = 'claimed', claimed_by = ?, claimed_at = ?
		WHERE request_id = (
			SELECT r.request_id FROM task_requests r
			WHERE r.status = 'pending'
			  AND NOT EXISTS (
				SELECT 1 FROM request_edges e
				JOIN task_requests d ON d.request_id = e.to_id
				WHERE e.from_id = r.request_id AND e.kind = 'depends_on' AND d.status != 'done'
			  )
			ORDER BY r.priority DESC, r.created_at ASC, r.request_id ASC
			LIMIT 1
		)
		RETURNING `+requestColumns, workerID, nowString())

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim request: %w", err)
	}
	return req, nil
}

// MarkExecuting transitions a claimed request to executing.
func (s *Store) MarkExecuting(ctx context.Context, requestID string) error {
	return s.transition(ctx, requestID, `
		UPDATE task_requests SET status = 'executing'
		WHERE request_id = ? AND status = 'claimed'
	`, "claimed")
}

// MarkDone settles a request successfully, recording the artifact reference
// and a produced edge to it.
func (s *Store) MarkDone(ctx context.Context, requestID, resultRef string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_requests SET status = 'done', finished_at = ?, result_ref = ?
			WHERE request_id = ? AND status IN ('claimed', 'executing')
		`, nowString(), resultRef, requestID)
		if err != nil {
			return fmt.Errorf("failed to mark %s done: %w", requestID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %s is not claimed or executing", requestID)
		}
		if resultRef != "" {
			return addEdgeTx(ctx, tx, requestID, resultRef, EdgeProduced)
		}
		return nil
	})
}

// MarkFailed settles a request as failed. The error string is truncated to
// a bounded length before persisting.
func (s *Store) MarkFailed(ctx context.Context, requestID, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_requests SET status = 'failed', finished_at = ?, error = ?
		WHERE request_id = ? AND status IN ('claimed', 'executing')
	`, nowString(), errMsg, requestID)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %s is not claimed or executing", requestID)
	}
	return nil
}

// Cancel cancels a request that has not been claimed yet. Claimed or
// settled requests are rejected with ErrNotCancellable; a running stack can
// only stop itself by returning abort.
func (s *Store) Cancel(ctx context.Context, requestID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		req, err := getRequestTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != types.RequestPending && req.Status != types.RequestBlocked {
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, requestID, req.Status)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE task_requests SET status = 'cancelled', finished_at = ?
			WHERE request_id = ?
		`, nowString(), requestID)
		return err
	})
}

// UnblockDependents promotes to pending every blocked request that depends
// on doneRequestID and whose dependencies are now all done. Idempotent.
// Returns the promoted request ids.
func (s *Store) UnblockDependents(ctx context.Context, doneRequestID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE task_requests SET status = 'pending'
		WHERE status = 'blocked'
		  AND request_id IN (
			SELECT from_id FROM request_edges WHERE to_id = ? AND kind = 'depends_on'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM request_edges e
			JOIN task_requests d ON d.request_id = e.to_id
			WHERE e.from_id = task_requests.request_id AND e.kind = 'depends_on' AND d.status != 'done'
		  )
		RETURNING request_id
	`, doneRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to unblock dependents of %s: %w", doneRequestID, err)
	}
	defer rows.Close()

	var promoted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		promoted = append(promoted, id)
	}
	return promoted, rows.Err()
}

// Get returns a request with its declared dependencies.
func (s *Store) Get(ctx context.Context, requestID string) (*types.TaskRequest, error) {
	var req *types.TaskRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = getRequestTx(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// List returns requests matching the filter, highest priority and oldest
// first.
func (s *Store) List(ctx context.Context, filter types.RequestFilter) ([]*types.TaskRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM task_requests WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.Requester != "" {
		query += ` AND requester = ?`
		args = append(args, filter.Requester)
	}
	query += ` ORDER BY priority DESC, created_at ASC, request_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []*types.TaskRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func getRequestTx(ctx context.Context, tx *sql.Tx, requestID string) (*types.TaskRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM task_requests WHERE request_id = ?
	`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request %s: %w", requestID, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT to_id FROM request_edges WHERE from_id = ? AND kind = ? ORDER BY edge_id
	`, requestID, EdgeDependsOn)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		req.DependsOn = append(req.DependsOn, dep)
	}
	return req, rows.Err()
}

func (s *Store) transition(ctx context.Context, requestID, query, wantState string) error {
	res, err := s.db.ExecContext(ctx, query, requestID)
	if err != nil {
		return fmt.Errorf("failed to transition %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %s is not %s", requestID, wantState)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(r rowScanner) (*types.TaskRequest, error) {
	var req types.TaskRequest
	var status, params, created string
	var claimedAt, finishedAt sql.NullString
	err := r.Scan(&req.RequestID, &req.TaskID, &params, &status, &req.Priority,
		&req.Requester, &created, &req.ClaimedBy, &claimedAt, &finishedAt,
		&req.ResultRef, &req.Error)
	if err != nil {
		return nil, err
	}
	req.Status = types.RequestStatus(status)
	req.Parameters = types.DecodeParams(params)
	req.CreatedAt = mustParseTime(created)
	req.ClaimedAt = parseTime(claimedAt)
	req.FinishedAt = parseTime(finishedAt)
	return &req, nil
}
