// Package graph implements the request queue as nodes and typed edges in a
// dedicated SQLite database: TaskRequest and CascadeRule nodes, depends_on /
// triggered_by / produced edges, and a linearizable claim operation.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/BHPAV/Runner/internal/types"
)

var (
	// ErrRequestNotFound is returned when a request_id has no node.
	ErrRequestNotFound = errors.New("request not found")
	// ErrUnknownDependency is returned when a declared depends_on target
	// does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDependencyCycle is returned when an edge would close a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrNotCancellable is returned for cancels on claimed or settled
	// requests.
	ErrNotCancellable = errors.New("request is not cancellable")
	// ErrInvalidPriority is returned for priorities outside [1, 1000].
	ErrInvalidPriority = errors.New("priority out of range")
	// ErrRuleNotFound is returned when a rule_id has no node.
	ErrRuleNotFound = errors.New("cascade rule not found")
)

// Edge kinds.
const (
	EdgeDependsOn   = "depends_on"
	EdgeTriggeredBy = "triggered_by"
	EdgeProduced    = "produced"
)

// timeLayout matches the storage layer's fixed-width UTC format.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// TaskResolver is the slice of the catalog that submissions validate
// against.
type TaskResolver interface {
	GetTask(ctx context.Context, taskID string) (*types.TaskDefinition, error)
}

// Store is the graph-backed request queue.
type Store struct {
	db    *sql.DB
	path  string
	tasks TaskResolver
}

// New opens (creating if necessary) the graph database at path. tasks may
// be nil, in which case submissions skip catalog validation.
func New(ctx context.Context, path string, tasks TaskResolver) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return &Store{db: db, path: path, tasks: tasks}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func nowString() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustParseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
