package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/BHPAV/Runner/internal/types"
)

// testEnv provides a test environment with common setup and helpers.
// Use newTestEnv(t) to create a test environment with automatic cleanup.
type testEnv struct {
	t     *testing.T
	Store *Store
	Ctx   context.Context
}

// newTestEnv creates a new test environment with a configured store.
// The store is automatically cleaned up when the test completes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		t:     t,
		Store: newTestStore(t, ""),
		Ctx:   context.Background(),
	}
}

// newTestStore creates a Store backed by a temp file database.
// File-based databases are more reliable than in-memory for connection pool
// scenarios, so tests default to t.TempDir().
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()
	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}
	store, err := New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return store
}

// PutTask registers a shell task in the catalog with sane defaults.
func (e *testEnv) PutTask(taskID, code string) *types.TaskDefinition {
	e.t.Helper()
	return e.PutTaskWith(taskID, types.KindShell, code, nil)
}

// PutTaskWith registers a task with the given kind and default parameters.
func (e *testEnv) PutTaskWith(taskID string, kind types.TaskKind, code string, defaults map[string]any) *types.TaskDefinition {
	e.t.Helper()
	def := &types.TaskDefinition{
		TaskID:        taskID,
		Kind:          kind,
		Code:          code,
		DefaultParams: defaults,
		Timeout:       time.Minute,
		Enabled:       true,
	}
	if err := e.Store.PutTask(e.Ctx, def); err != nil {
		e.t.Fatalf("PutTask(%q) failed: %v", taskID, err)
	}
	return def
}

// CreateStack creates a stack for taskID and fails the test on error.
func (e *testEnv) CreateStack(taskID string, params map[string]any) (stackID string, rootQueueID int64) {
	e.t.Helper()
	created, err := e.Store.CreateStack(e.Ctx, taskID, params, "")
	if err != nil {
		e.t.Fatalf("CreateStack(%q) failed: %v", taskID, err)
	}
	return created.StackID, created.QueueID
}

// Acquire claims the next stack node and fails the test on error. Returns
// nil when nothing is claimable.
func (e *testEnv) Acquire(stackID string) *types.StackNode {
	e.t.Helper()
	node, err := e.Store.AcquireStackNode(e.Ctx, stackID, "test-worker", time.Minute)
	if err != nil {
		e.t.Fatalf("AcquireStackNode failed: %v", err)
	}
	return node
}

// FinishNode finalizes a node as done with the given output and context.
func (e *testEnv) FinishNode(queueID int64, output any, outputCtx types.StackContext) {
	e.t.Helper()
	if err := e.Store.FinalizeNode(e.Ctx, queueID, types.NodeDone, output, outputCtx, nil, "", nil); err != nil {
		e.t.Fatalf("FinalizeNode(%d) failed: %v", queueID, err)
	}
}
