package processor

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/BHPAV/Runner/internal/cascade"
	"github.com/BHPAV/Runner/internal/graph"
	"github.com/BHPAV/Runner/internal/stack"
	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/storage/sqlite"
	"github.com/BHPAV/Runner/internal/types"
)

type testEnv struct {
	t         *testing.T
	Store     *sqlite.Store
	Graph     *graph.Store
	Processor *Processor
	Ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	store, err := sqlite.New(ctx, filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("Failed to create task database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	g, err := graph.New(ctx, filepath.Join(dir, "graph.db"), store)
	if err != nil {
		t.Fatalf("Failed to create graph database: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	engine := stack.New(store, nil, stack.Options{
		WorkerID: "test-worker",
		Lease:    time.Minute,
		RunsDir:  filepath.Join(dir, "runs"),
		Logger:   quiet,
	})
	proc := New(store, g, engine, cascade.New(g, quiet), Options{
		WorkerID:     "test-host:1",
		PollInterval: 10 * time.Millisecond,
		Logger:       quiet,
	})
	return &testEnv{t: t, Store: store, Graph: g, Processor: proc, Ctx: ctx}
}

func (e *testEnv) PutShellTask(taskID, code string) {
	e.t.Helper()
	err := e.Store.PutTask(e.Ctx, &types.TaskDefinition{
		TaskID:  taskID,
		Kind:    types.KindShell,
		Code:    code,
		Timeout: 30 * time.Second,
		Enabled: true,
	})
	if err != nil {
		e.t.Fatalf("PutTask(%q) failed: %v", taskID, err)
	}
}

func (e *testEnv) Submit(requestID, taskID string, deps ...string) *types.TaskRequest {
	e.t.Helper()
	req, _, err := e.Graph.Submit(e.Ctx, graph.Submission{
		RequestID: requestID,
		TaskID:    taskID,
		DependsOn: deps,
	})
	if err != nil {
		e.t.Fatalf("Submit(%q) failed: %v", requestID, err)
	}
	return req
}

func TestProcessOneSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("hello", `echo "Hello World"`)
	env.Submit("r1", "hello")

	worked, err := env.Processor.ProcessOne(env.Ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !worked {
		t.Fatal("expected work")
	}

	req, err := env.Graph.Get(env.Ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != types.RequestDone {
		t.Errorf("Status = %q (%s), want done", req.Status, req.Error)
	}
	if req.ResultRef == "" {
		t.Error("expected a result_ref")
	}
	if req.ClaimedBy != "test-host:1" {
		t.Errorf("ClaimedBy = %q", req.ClaimedBy)
	}

	stats := env.Processor.Stats()
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestProcessOneFailureSettlesFailed(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("boom", `echo "broken" >&2; exit 1`)
	env.Submit("r1", "boom")

	worked, err := env.Processor.ProcessOne(env.Ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !worked {
		t.Fatal("expected work")
	}

	req, _ := env.Graph.Get(env.Ctx, "r1")
	if req.Status != types.RequestFailed {
		t.Errorf("Status = %q, want failed", req.Status)
	}
	if req.Error == "" {
		t.Error("expected an error string")
	}
	// The stack is still retained for audit.
	if req.ResultRef != "" {
		t.Errorf("failed settle must not record a result_ref, got %q", req.ResultRef)
	}

	if env.Processor.Stats().Failed != 1 {
		t.Errorf("Stats = %+v", env.Processor.Stats())
	}
}

func TestProcessOneNoWork(t *testing.T) {
	env := newTestEnv(t)

	worked, err := env.Processor.ProcessOne(env.Ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if worked {
		t.Error("expected no work on empty queue")
	}
}

func TestProcessOneRespectsKillSwitch(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("hello", "echo hi")
	env.Submit("r1", "hello")

	if err := env.Store.SetFlag(env.Ctx, storage.ControlKillSwitch, "1"); err != nil {
		t.Fatal(err)
	}
	worked, err := env.Processor.ProcessOne(env.Ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if worked {
		t.Error("kill switch must stop claiming")
	}

	req, _ := env.Graph.Get(env.Ctx, "r1")
	if req.Status != types.RequestPending {
		t.Errorf("Status = %q, want still pending", req.Status)
	}
}

func TestDrainRespectsDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("first", `echo '{"__task_result__": true, "output": "one"}'`)
	env.PutShellTask("second", `echo '{"__task_result__": true, "output": "two"}'`)
	env.Submit("r1", "first")
	r2 := env.Submit("r2", "second", "r1")
	if r2.Status != types.RequestBlocked {
		t.Fatalf("r2 Status = %q, want blocked", r2.Status)
	}

	// Drain claims r1, settles it, unblocks r2, then claims r2.
	n, err := env.Processor.Drain(env.Ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Drain handled %d, want 2", n)
	}

	for _, id := range []string{"r1", "r2"} {
		req, _ := env.Graph.Get(env.Ctx, id)
		if req.Status != types.RequestDone {
			t.Errorf("%s Status = %q (%s), want done", id, req.Status, req.Error)
		}
	}
	// r2 was not claimed before r1 finished.
	r1After, _ := env.Graph.Get(env.Ctx, "r1")
	r2After, _ := env.Graph.Get(env.Ctx, "r2")
	if r2After.ClaimedAt == nil || r1After.FinishedAt == nil {
		t.Fatal("expected claim and finish timestamps")
	}
	if r2After.ClaimedAt.Before(*r1After.FinishedAt) {
		t.Error("r2 claimed before r1 finished")
	}
}

func TestAbortedStackSettlesFailed(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("aborter", `echo '{"__task_result__": true, "abort": true, "errors": ["nope"]}'`)
	env.Submit("r1", "aborter")

	if _, err := env.Processor.ProcessOne(env.Ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	req, _ := env.Graph.Get(env.Ctx, "r1")
	if req.Status != types.RequestFailed {
		t.Errorf("Status = %q, want failed", req.Status)
	}
}

func TestCancelMidRunLetsClaimFinish(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("slow", `sleep 1; echo '{"__task_result__": true, "output": "done"}'`)
	env.Submit("r1", "slow")

	ctx, cancel := context.WithCancel(env.Ctx)
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	worked, err := env.Processor.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !worked {
		t.Fatal("expected work")
	}

	// The signal arrived mid-task; the claimed request still runs to
	// completion and settles done, not "worker timeout".
	req, err := env.Graph.Get(env.Ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != types.RequestDone {
		t.Errorf("Status = %q (%s), want done", req.Status, req.Error)
	}
	if req.ResultRef == "" {
		t.Error("expected a result_ref")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Processor.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
