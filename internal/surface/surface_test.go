package surface

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BHPAV/Runner/internal/graph"
	"github.com/BHPAV/Runner/internal/stack"
	"github.com/BHPAV/Runner/internal/storage/sqlite"
	"github.com/BHPAV/Runner/internal/types"
)

type testEnv struct {
	t       *testing.T
	Store   *sqlite.Store
	Graph   *graph.Store
	Service *Service
	Ctx     context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

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

	return &testEnv{t: t, Store: store, Graph: g, Service: New(store, g), Ctx: ctx}
}

func (e *testEnv) PutTask(taskID string) {
	e.t.Helper()
	err := e.Store.PutTask(e.Ctx, &types.TaskDefinition{
		TaskID:  taskID,
		Kind:    types.KindShell,
		Code:    "echo ok",
		Timeout: 30 * time.Second,
		Enabled: true,
	})
	if err != nil {
		e.t.Fatalf("PutTask(%q) failed: %v", taskID, err)
	}
}

// finishWithStack drives a submitted request through a one-node stack run
// directly against storage, the way a worker would.
func (e *testEnv) finishWithStack(requestID string, output any, sc types.StackContext) string {
	e.t.Helper()
	req, err := e.Graph.ClaimNext(e.Ctx, "w")
	if err != nil || req == nil {
		e.t.Fatalf("ClaimNext = %v, %v", req, err)
	}
	created, err := e.Store.CreateStack(e.Ctx, req.TaskID, req.Parameters, req.RequestID)
	if err != nil {
		e.t.Fatalf("CreateStack failed: %v", err)
	}
	node, err := e.Store.AcquireStackNode(e.Ctx, created.StackID, "w", time.Minute)
	if err != nil || node == nil {
		e.t.Fatalf("AcquireStackNode = %v, %v", node, err)
	}
	if err := e.Store.FinalizeNode(e.Ctx, node.QueueID, types.NodeDone, output, sc, nil, "", nil); err != nil {
		e.t.Fatalf("FinalizeNode failed: %v", err)
	}
	if err := e.Store.UpdateStackContext(e.Ctx, created.StackID, sc); err != nil {
		e.t.Fatalf("UpdateStackContext failed: %v", err)
	}
	if err := e.Store.FinalizeStack(e.Ctx, created.StackID, types.StackDone, output, ""); err != nil {
		e.t.Fatalf("FinalizeStack failed: %v", err)
	}
	ref := stack.ResultRef(created.StackID)
	if err := e.Graph.MarkDone(e.Ctx, requestID, ref); err != nil {
		e.t.Fatalf("MarkDone failed: %v", err)
	}
	return ref
}

func TestSubmitAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.PutTask("build")

	res, err := env.Service.Submit(env.Ctx, SubmitArgs{
		TaskID:     "build",
		Parameters: map[string]any{"target": "all"},
		Priority:   250,
		Requester:  "cli",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.IsNew {
		t.Error("first submission should be new")
	}
	if res.Status != types.RequestPending {
		t.Errorf("Status = %q", res.Status)
	}

	st, err := env.Service.Status(env.Ctx, res.RequestID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.TaskID != "build" || st.Priority != 250 {
		t.Errorf("Status = %+v", st)
	}
	if st.HasOutputs {
		t.Error("pending request must not report outputs")
	}
}

func TestSubmitDuplicateAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.PutTask("build")

	first, err := env.Service.Submit(env.Ctx, SubmitArgs{TaskID: "build", RequestID: "r1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := env.Service.Submit(env.Ctx, SubmitArgs{TaskID: "build", RequestID: "r1"})
	if err != nil {
		t.Fatalf("duplicate Submit failed: %v", err)
	}
	if !first.IsNew || second.IsNew {
		t.Errorf("IsNew = %v, %v; want true, false", first.IsNew, second.IsNew)
	}
	if second.RequestID != "r1" {
		t.Errorf("RequestID = %q", second.RequestID)
	}
}

func TestSubmitRequiresTaskID(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Service.Submit(env.Ctx, SubmitArgs{}); err == nil {
		t.Error("expected error for missing task_id")
	}
}

func TestResultJoinsStackSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.PutTask("build")

	res, err := env.Service.Submit(env.Ctx, SubmitArgs{TaskID: "build", RequestID: "r1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := env.Service.Result(env.Ctx, res.RequestID, false); !errors.Is(err, ErrNotFinished) {
		t.Errorf("Result on pending request = %v, want ErrNotFinished", err)
	}

	sc := types.StackContext{Variables: map[string]any{"built": true}}
	ref := env.finishWithStack("r1", "artifact.tar", sc)

	out, err := env.Service.Result(env.Ctx, "r1", false)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if out.Status != types.RequestDone {
		t.Errorf("Status = %q", out.Status)
	}
	if out.Output != "artifact.tar" {
		t.Errorf("Output = %v", out.Output)
	}
	if out.Context.Variables["built"] != true {
		t.Errorf("Context = %+v", out.Context)
	}
	if out.Trace != nil {
		t.Error("trace must be omitted unless asked for")
	}

	withTrace, err := env.Service.Result(env.Ctx, "r1", true)
	if err != nil {
		t.Fatalf("Result with trace failed: %v", err)
	}
	if len(withTrace.Trace) != 1 {
		t.Errorf("trace has %d entries, want 1", len(withTrace.Trace))
	}

	st, _ := env.Service.Status(env.Ctx, "r1")
	if st.ResultRef != ref || !st.HasOutputs {
		t.Errorf("Status after finish = %+v", st)
	}
}

func TestResultWithoutStack(t *testing.T) {
	env := newTestEnv(t)
	env.PutTask("build")

	if _, err := env.Service.Submit(env.Ctx, SubmitArgs{TaskID: "build", RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Service.Cancel(env.Ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	out, err := env.Service.Result(env.Ctx, "r1", true)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if out.Status != types.RequestCancelled {
		t.Errorf("Status = %q", out.Status)
	}
	if out.Output != nil || out.Trace != nil {
		t.Errorf("cancelled-before-run request has no stack data: %+v", out)
	}
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t)
	env.PutTask("build")

	if _, err := env.Service.Submit(env.Ctx, SubmitArgs{TaskID: "build", RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Service.Cancel(env.Ctx, "r1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if res.Status != types.RequestCancelled {
		t.Errorf("Status = %q", res.Status)
	}

	// Claimed requests are reported, not errored.
	if _, err := env.Service.Submit(env.Ctx, SubmitArgs{TaskID: "build", RequestID: "r2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Graph.ClaimNext(env.Ctx, "w"); err != nil {
		t.Fatal(err)
	}
	res, err = env.Service.Cancel(env.Ctx, "r2")
	if err != nil {
		t.Fatalf("Cancel on claimed request failed: %v", err)
	}
	if res.Status != types.RequestClaimed {
		t.Errorf("Status = %q, want claimed", res.Status)
	}
	if res.Message == "" {
		t.Error("expected an explanatory message")
	}

	if _, err := env.Service.Cancel(env.Ctx, "ghost"); !errors.Is(err, graph.ErrRequestNotFound) {
		t.Errorf("Cancel(ghost) = %v", err)
	}
}

func TestListPendingDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.PutTask("build")

	for i := 0; i < 25; i++ {
		_, err := env.Service.Submit(env.Ctx, SubmitArgs{TaskID: "build"})
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	reqs, err := env.Service.ListPending(env.Ctx, "", 0)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(reqs) != DefaultListLimit {
		t.Errorf("default limit returned %d, want %d", len(reqs), DefaultListLimit)
	}

	reqs, err = env.Service.ListPending(env.Ctx, types.RequestDone, 5)
	if err != nil {
		t.Fatalf("ListPending(done) failed: %v", err)
	}
	if len(reqs) != 0 {
		t.Errorf("no request is done yet, got %d", len(reqs))
	}
}

func TestListTasksDelegates(t *testing.T) {
	env := newTestEnv(t)
	env.PutTask("build-fast")
	env.PutTask("deploy")

	defs, err := env.Service.ListTasks(env.Ctx, "build", true)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(defs) != 1 || defs[0].TaskID != "build-fast" {
		t.Errorf("ListTasks = %v", defs)
	}
}
