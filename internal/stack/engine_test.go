package stack

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/storage/sqlite"
	"github.com/BHPAV/Runner/internal/types"
)

type testEnv struct {
	t      *testing.T
	Store  *sqlite.Store
	Engine *Engine
	Ctx    context.Context
	Runs   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	runs := filepath.Join(dir, "runs")
	engine := New(store, nil, Options{
		WorkerID: "test-worker",
		Lease:    time.Minute,
		RunsDir:  runs,
		Logger:   log.New(io.Discard, "", 0),
	})
	return &testEnv{t: t, Store: store, Engine: engine, Ctx: context.Background(), Runs: runs}
}

func (e *testEnv) PutShellTask(taskID, code string) {
	e.t.Helper()
	def := &types.TaskDefinition{
		TaskID:  taskID,
		Kind:    types.KindShell,
		Code:    code,
		Timeout: 30 * time.Second,
		Enabled: true,
	}
	if err := e.Store.PutTask(e.Ctx, def); err != nil {
		e.t.Fatalf("PutTask(%q) failed: %v", taskID, err)
	}
}

func (e *testEnv) Run(taskID string, params map[string]any) *types.Stack {
	e.t.Helper()
	created, err := e.Engine.Create(e.Ctx, "", taskID, params)
	if err != nil {
		e.t.Fatalf("Create(%q) failed: %v", taskID, err)
	}
	st, err := e.Engine.RunToCompletion(e.Ctx, created.StackID)
	if err != nil {
		e.t.Fatalf("RunToCompletion failed: %v", err)
	}
	return st
}

func TestRunSingleTask(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("hello", `echo "Hello World"`)

	st := env.Run("hello", nil)

	if st.Status != types.StackDone {
		t.Fatalf("Status = %q (%s), want done", st.Status, st.ErrorMessage)
	}
	if st.FinalOutput != "Hello World" {
		t.Errorf("FinalOutput = %v", st.FinalOutput)
	}
	if len(st.Trace) != 1 {
		t.Fatalf("trace has %d entries, want 1", len(st.Trace))
	}
	if st.Trace[0].Status != types.NodeDone {
		t.Errorf("node status = %q", st.Trace[0].Status)
	}
	if st.Trace[0].Cost == nil || st.Trace[0].Cost.WallMS < 0 {
		t.Errorf("executed node should record its cost, got %+v", st.Trace[0].Cost)
	}
}

func TestDefaultParamsMergedUnderSubmitted(t *testing.T) {
	env := newTestEnv(t)
	def := &types.TaskDefinition{
		TaskID:        "greet",
		Kind:          types.KindShell,
		Code:          `echo "{greeting} {name}"`,
		DefaultParams: map[string]any{"greeting": "hello", "name": "default"},
		Timeout:       30 * time.Second,
		Enabled:       true,
	}
	if err := env.Store.PutTask(env.Ctx, def); err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}

	st := env.Run("greet", map[string]any{"name": "world"})
	if st.FinalOutput != "hello world" {
		t.Errorf("FinalOutput = %v, want submitted name over default", st.FinalOutput)
	}
}

func TestFanOutRunsInLIFOOrder(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("root", `echo '{"__task_result__": true, "output": "root", "pushed_children": [{"task_id": "a"}, {"task_id": "b"}, {"task_id": "c"}]}'`)
	env.PutShellTask("a", "echo a")
	env.PutShellTask("b", "echo b")
	env.PutShellTask("c", "echo c")

	st := env.Run("root", nil)

	if st.Status != types.StackDone {
		t.Fatalf("Status = %q (%s)", st.Status, st.ErrorMessage)
	}
	var order []string
	for _, entry := range st.Trace {
		order = append(order, entry.TaskID)
	}
	want := []string{"root", "c", "b", "a"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("execution order %v, want %v", order, want)
	}
	// The last-run sibling's output is the stack's final output.
	if st.FinalOutput != "a" {
		t.Errorf("FinalOutput = %v", st.FinalOutput)
	}
	if len(st.Context.Outputs) != 4 {
		t.Errorf("Outputs = %v", st.Context.Outputs)
	}
}

func TestCountdownAccumulatesContext(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("countdown", `n={n}
prev=$(printf '%s' "$TASK_CONTEXT" | sed -n 's/.*"running_sum":\([0-9]*\).*/\1/p')
prev=${prev:-0}
sum=$((prev + n))
if [ "$n" -gt 1 ]; then
  printf '{"__task_result__": true, "output": %s, "variables": {"running_sum": %s}, "pushed_children": [{"task_id": "countdown", "parameters": {"n": %s}}]}\n' "$n" "$sum" "$((n - 1))"
else
  printf '{"__task_result__": true, "output": %s, "variables": {"running_sum": %s}}\n' "$n" "$sum"
fi`)

	st := env.Run("countdown", map[string]any{"n": 3.0})

	if st.Status != types.StackDone {
		t.Fatalf("Status = %q (%s)", st.Status, st.ErrorMessage)
	}
	if got := st.Context.Variables["running_sum"]; got != 6.0 {
		t.Errorf("running_sum = %v, want 6", got)
	}
	if len(st.Trace) != 3 {
		t.Fatalf("trace has %d entries, want 3", len(st.Trace))
	}
	for i, wantN := range []float64{3, 2, 1} {
		if st.Trace[i].Output != wantN {
			t.Errorf("trace[%d].Output = %v, want %v", i, st.Trace[i].Output, wantN)
		}
	}
	// Each node saw the sum accumulated before it ran.
	if st.Trace[2].InputContext.Variables["running_sum"] != 5.0 {
		t.Errorf("last node input running_sum = %v, want 5", st.Trace[2].InputContext.Variables["running_sum"])
	}
}

func TestAbortCancelsStack(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("root", `echo '{"__task_result__": true, "pushed_children": [{"task_id": "never"}, {"task_id": "aborter"}]}'`)
	env.PutShellTask("aborter", `echo '{"__task_result__": true, "output": "stopping", "abort": true, "errors": ["precondition not met"]}'`)
	env.PutShellTask("never", "echo never")

	st := env.Run("root", nil)

	if st.Status != types.StackCancelled {
		t.Fatalf("Status = %q, want cancelled", st.Status)
	}
	if !strings.Contains(st.ErrorMessage, "aborted by task aborter") {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}
	if !strings.Contains(st.ErrorMessage, "precondition not met") {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}

	byTask := map[string]types.NodeStatus{}
	for _, entry := range st.Trace {
		byTask[entry.TaskID] = entry.Status
	}
	if byTask["aborter"] != types.NodeDone {
		t.Errorf("aborter status = %q, want done", byTask["aborter"])
	}
	if byTask["never"] != types.NodeCancelled {
		t.Errorf("never status = %q, want cancelled", byTask["never"])
	}
	// The abort output still lands in the accumulated context.
	if st.FinalOutput != "stopping" {
		t.Errorf("FinalOutput = %v", st.FinalOutput)
	}
}

func TestFailureFailsStackAndCancelsQueued(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("root", `echo '{"__task_result__": true, "pushed_children": [{"task_id": "survivor"}, {"task_id": "boom"}]}'`)
	env.PutShellTask("boom", `echo "disk full" >&2; exit 7`)
	env.PutShellTask("survivor", "echo survivor")

	st := env.Run("root", nil)

	if st.Status != types.StackFailed {
		t.Fatalf("Status = %q, want failed", st.Status)
	}
	if !strings.Contains(st.ErrorMessage, "exited 7") || !strings.Contains(st.ErrorMessage, "disk full") {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}

	for _, entry := range st.Trace {
		switch entry.TaskID {
		case "boom":
			if entry.Status != types.NodeFailed {
				t.Errorf("boom status = %q, want failed", entry.Status)
			}
		case "survivor":
			if entry.Status != types.NodeCancelled {
				t.Errorf("survivor status = %q, want cancelled", entry.Status)
			}
			if entry.Error != cancelReasonFailed {
				t.Errorf("survivor error = %q", entry.Error)
			}
		}
	}
}

func TestUnknownPushedTaskFailsStack(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("root", `echo '{"__task_result__": true, "pushed_children": [{"task_id": "ghost"}]}'`)

	st := env.Run("root", nil)
	if st.Status != types.StackFailed {
		t.Fatalf("Status = %q, want failed", st.Status)
	}
	if !strings.Contains(st.ErrorMessage, "ghost") {
		t.Errorf("ErrorMessage = %q", st.ErrorMessage)
	}
}

func TestCreateRefusesKillSwitch(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("hello", "echo hi")

	if err := env.Store.SetFlag(env.Ctx, storage.ControlKillSwitch, "1"); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}
	_, err := env.Engine.Create(env.Ctx, "", "hello", nil)
	if !errors.Is(err, ErrKillSwitch) {
		t.Errorf("expected ErrKillSwitch, got %v", err)
	}
}

func TestCreateRefusesDisabledTask(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("off", "echo hi")
	if err := env.Store.SetTaskEnabled(env.Ctx, "off", false); err != nil {
		t.Fatalf("SetTaskEnabled failed: %v", err)
	}

	_, err := env.Engine.Create(env.Ctx, "", "off", nil)
	if !errors.Is(err, ErrTaskDisabled) {
		t.Errorf("expected ErrTaskDisabled, got %v", err)
	}
}

func TestCreateIdempotentOnRequestID(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("hello", "echo hi")

	first, err := env.Engine.Create(env.Ctx, "req-1", "hello", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := env.Engine.Create(env.Ctx, "req-1", "hello", nil)
	if err != nil {
		t.Fatalf("duplicate Create failed: %v", err)
	}
	if !second.Existing || second.StackID != first.StackID {
		t.Errorf("duplicate create got %+v, want existing stack %s", second, first.StackID)
	}
}

func TestRunFileWritten(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("hello", `echo "Hello World"`)

	st := env.Run("hello", nil)

	path := filepath.Join(env.Runs, RunFileName(st.StackID))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("run file missing: %v", err)
	}
	if !strings.Contains(string(data), st.StackID) {
		t.Error("run file should contain the stack id")
	}
	if !strings.Contains(string(data), "Hello World") {
		t.Error("run file should contain the final output")
	}
}

func TestRunOneStep(t *testing.T) {
	env := newTestEnv(t)
	env.PutShellTask("root", `echo '{"__task_result__": true, "pushed_children": [{"task_id": "child"}]}'`)
	env.PutShellTask("child", "echo child")

	created, err := env.Engine.Create(env.Ctx, "", "root", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	more, err := env.Engine.RunOneStep(env.Ctx, created.StackID)
	if err != nil {
		t.Fatalf("RunOneStep failed: %v", err)
	}
	if !more {
		t.Fatal("expected more work after root")
	}

	more, err = env.Engine.RunOneStep(env.Ctx, created.StackID)
	if err != nil {
		t.Fatalf("RunOneStep failed: %v", err)
	}
	if more {
		t.Error("expected no more work after child")
	}

	st, err := env.Store.GetStack(env.Ctx, created.StackID)
	if err != nil {
		t.Fatalf("GetStack failed: %v", err)
	}
	if st.Status != types.StackDone {
		t.Errorf("Status = %q", st.Status)
	}
}
