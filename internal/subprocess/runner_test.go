package subprocess

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BHPAV/Runner/internal/types"
)

func shellTask(code string) *types.TaskDefinition {
	return &types.TaskDefinition{
		TaskID:  "test-task",
		Kind:    types.KindShell,
		Code:    code,
		Timeout: 30 * time.Second,
		Enabled: true,
	}
}

func TestExecuteShell(t *testing.T) {
	var r Runner
	res, err := r.Execute(context.Background(), Request{
		Def: shellTask(`echo "Hello World"`),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Failed() {
		t.Fatalf("exit=%d stderr=%q", res.ExitCode, res.Stderr)
	}
	if res.Result == nil || res.Result.Output != "Hello World" {
		t.Errorf("Result = %+v, want plain output Hello World", res.Result)
	}
	if res.Cost.WallMS < 0 {
		t.Errorf("WallMS = %d", res.Cost.WallMS)
	}
}

func TestExecuteShellParamSubstitution(t *testing.T) {
	var r Runner
	res, err := r.Execute(context.Background(), Request{
		Def:    shellTask(`echo "hi {name}, n={n}"`),
		Params: map[string]any{"name": "sam", "n": 3.0},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := res.Result.Output; got != "hi sam, n=3" {
		t.Errorf("Output = %v", got)
	}
}

func TestExecuteEnvContract(t *testing.T) {
	var r Runner
	ctx := types.NewStackContext().Bind(types.TaskResult{
		Output:    "prior",
		Variables: map[string]any{"k": "v"},
	})
	res, err := r.Execute(context.Background(), Request{
		Def:     shellTask(`echo "$TASK_PARAMS|$TASK_QUEUE_ID|$TASK_STACK_ID|$TASK_CONTEXT"`),
		Params:  map[string]any{"p": "q"},
		Context: ctx,
		QueueID: 42,
		StackID: "stack-1",
		DBPath:  "/tmp/x.db",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	out, _ := res.Result.Output.(string)
	if !strings.Contains(out, `"p":"q"`) {
		t.Errorf("TASK_PARAMS missing: %q", out)
	}
	if !strings.Contains(out, "|42|stack-1|") {
		t.Errorf("queue/stack ids missing: %q", out)
	}
	if !strings.Contains(out, `"k":"v"`) {
		t.Errorf("TASK_CONTEXT missing variables: %q", out)
	}
}

func TestExecuteStructuredResult(t *testing.T) {
	var r Runner
	code := `echo "progress line"
echo '{"__task_result__": true, "output": 7, "variables": {"a": 1}, "decisions": ["d"], "pushed_children": [{"task_id": "next", "reason": "because"}]}'`
	res, err := r.Execute(context.Background(), Request{Def: shellTask(code)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	got := res.Result
	if got == nil {
		t.Fatal("expected structured result")
	}
	if got.Output != 7.0 {
		t.Errorf("Output = %v", got.Output)
	}
	if got.Variables["a"] != 1.0 {
		t.Errorf("Variables = %v", got.Variables)
	}
	if len(got.PushedChildren) != 1 || got.PushedChildren[0].TaskID != "next" {
		t.Errorf("PushedChildren = %v", got.PushedChildren)
	}
	if got.Abort {
		t.Error("Abort should default false")
	}
}

func TestExecuteFailure(t *testing.T) {
	var r Runner
	res, err := r.Execute(context.Background(), Request{
		Def: shellTask(`echo "oops" >&2; exit 3`),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Failed() || res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.Result != nil {
		t.Error("failed runs must not carry a parsed result")
	}
}

func TestExecuteTimeout(t *testing.T) {
	var r Runner
	def := shellTask(`sleep 10`)
	def.Timeout = time.Second
	start := time.Now()
	res, err := r.Execute(context.Background(), Request{Def: def})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected timeout")
	}
	if !strings.Contains(res.Stderr, "[TIMEOUT after 1s]") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestExecuteUnknownKind(t *testing.T) {
	var r Runner
	def := shellTask("echo hi")
	def.Kind = "cobol"
	if _, err := r.Execute(context.Background(), Request{Def: def}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParseTaskResult(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		check  func(t *testing.T, r *types.TaskResult)
	}{
		{
			name:   "empty stdout",
			stdout: "  \n ",
			check: func(t *testing.T, r *types.TaskResult) {
				if r.Output != nil {
					t.Errorf("Output = %v, want nil", r.Output)
				}
			},
		},
		{
			name:   "plain text",
			stdout: "just text\n",
			check: func(t *testing.T, r *types.TaskResult) {
				if r.Output != "just text" {
					t.Errorf("Output = %v", r.Output)
				}
				if len(r.Variables) != 0 || len(r.PushedChildren) != 0 {
					t.Error("plain output must carry no delta")
				}
			},
		},
		{
			name:   "json without marker stays plain",
			stdout: `{"output": "x"}`,
			check: func(t *testing.T, r *types.TaskResult) {
				if r.Output != `{"output": "x"}` {
					t.Errorf("Output = %v", r.Output)
				}
			},
		},
		{
			name:   "marker false stays plain",
			stdout: `{"__task_result__": false, "output": "x"}`,
			check: func(t *testing.T, r *types.TaskResult) {
				if r.Output == "x" {
					t.Error("falsy marker must not be treated as structured")
				}
			},
		},
		{
			name:   "truthy non-bool marker",
			stdout: `{"__task_result__": 1, "output": "x"}`,
			check: func(t *testing.T, r *types.TaskResult) {
				if r.Output != "x" {
					t.Errorf("Output = %v, want structured x", r.Output)
				}
			},
		},
		{
			name:   "last result wins",
			stdout: "{\"__task_result__\": true, \"output\": \"first\"}\n{\"__task_result__\": true, \"output\": \"second\"}",
			check: func(t *testing.T, r *types.TaskResult) {
				if r.Output != "second" {
					t.Errorf("Output = %v, want second", r.Output)
				}
			},
		},
		{
			name:   "abort flag",
			stdout: `{"__task_result__": true, "abort": true, "errors": ["bad input"]}`,
			check: func(t *testing.T, r *types.TaskResult) {
				if !r.Abort {
					t.Error("Abort should be true")
				}
				if len(r.Errors) != 1 {
					t.Errorf("Errors = %v", r.Errors)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseTaskResult(tt.stdout)
			if r == nil {
				t.Fatal("ParseTaskResult returned nil")
			}
			tt.check(t, r)
		})
	}
}

func TestFormatShellCode(t *testing.T) {
	got := FormatShellCode("run {a} {b} {missing}", map[string]any{"a": "x", "b": 2.0})
	if got != "run x 2 {missing}" {
		t.Errorf("FormatShellCode = %q", got)
	}
}
