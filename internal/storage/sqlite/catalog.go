package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/types"
)

// GetTask returns the catalog entry for taskID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*types.TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, kind, code, default_params, working_dir, env, timeout_seconds, enabled
		FROM tasks WHERE task_id = ?
	`, taskID)
	def, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return def, nil
}

// ListTasks returns catalog entries, optionally filtered by a task_id
// substring and by enabled state, ordered by task_id.
func (s *Store) ListTasks(ctx context.Context, filter string, enabledOnly bool) ([]*types.TaskDefinition, error) {
	query := `
		SELECT task_id, kind, code, default_params, working_dir, env, timeout_seconds, enabled
		FROM tasks WHERE 1=1`
	args := []any{}
	if filter != "" {
		query += ` AND task_id LIKE ?`
		args = append(args, "%"+filter+"%")
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var defs []*types.TaskDefinition
	for rows.Next() {
		def, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// PutTask inserts or replaces a catalog entry. Seed and admin paths only.
func (s *Store) PutTask(ctx context.Context, def *types.TaskDefinition) error {
	if def.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if def.Kind == "" {
		return fmt.Errorf("task %s: kind is required", def.TaskID)
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	envJSON, err := json.Marshal(nonNilEnv(def.Env))
	if err != nil {
		return fmt.Errorf("failed to encode env for %s: %w", def.TaskID, err)
	}
	enabled := 0
	if def.Enabled {
		enabled = 1
	}
	now := nowString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, kind, code, default_params, working_dir, env, timeout_seconds, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			kind = excluded.kind,
			code = excluded.code,
			default_params = excluded.default_params,
			working_dir = excluded.working_dir,
			env = excluded.env,
			timeout_seconds = excluded.timeout_seconds,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, def.TaskID, string(def.Kind), def.Code, types.EncodeParams(def.DefaultParams),
		def.WorkingDir, string(envJSON), int64(timeout/time.Second), enabled, now, now)
	if err != nil {
		return fmt.Errorf("failed to put task %s: %w", def.TaskID, err)
	}
	return nil
}

// SetTaskEnabled flips the enabled bit on a catalog entry.
func (s *Store) SetTaskEnabled(ctx context.Context, taskID string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET enabled = ?, updated_at = ? WHERE task_id = ?
	`, v, nowString(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, taskID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*types.TaskDefinition, error) {
	var def types.TaskDefinition
	var kind, params, envJSON string
	var timeoutSec int64
	var enabled int
	if err := r.Scan(&def.TaskID, &kind, &def.Code, &params, &def.WorkingDir, &envJSON, &timeoutSec, &enabled); err != nil {
		return nil, err
	}
	def.Kind = types.TaskKind(kind)
	def.DefaultParams = types.DecodeParams(params)
	def.Env = decodeEnv(envJSON)
	def.Timeout = time.Duration(timeoutSec) * time.Second
	def.Enabled = enabled != 0
	return &def, nil
}

func nonNilEnv(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}

func decodeEnv(raw string) map[string]string {
	env := map[string]string{}
	if raw == "" {
		return env
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return map[string]string{}
	}
	return env
}
