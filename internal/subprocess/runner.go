// Package subprocess executes catalog tasks as child processes and parses
// their structured results.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BHPAV/Runner/internal/types"
)

// termGrace is how long a timed-out child gets between SIGTERM and SIGKILL.
const termGrace = 2 * time.Second

// Request describes one task execution.
type Request struct {
	Def     *types.TaskDefinition
	Params  map[string]any
	Context types.StackContext
	QueueID int64
	StackID string
	DBPath  string
}

// Execution is the raw outcome of a child process run. Result is the parsed
// structured result, populated only on exit code 0. Cost is recorded on the
// node's trace entry when the execution settles.
type Execution struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
	Cost       types.CostMetrics
	Result     *types.TaskResult
}

// Failed reports whether the execution must be treated as a task failure.
func (e *Execution) Failed() bool {
	return e.ExitCode != 0 || e.TimedOut
}

// Runner runs task definitions as child processes. The zero value uses
// python3 and npx from PATH.
type Runner struct {
	Python string // python interpreter, default "python3"
	NPX    string // npx binary, default "npx"
}

// Execute runs the task and returns its outcome. Process-level failures
// (non-zero exit, timeout, unlaunchable binary) are reported in the
// Execution, not as an error; an error means the runner itself could not set
// the execution up.
func (r *Runner) Execute(ctx context.Context, req Request) (*Execution, error) {
	def := req.Def
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, cleanup, err := r.buildCommand(cmdCtx, def, req.Params)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if def.WorkingDir != "" {
		cmd.Dir = def.WorkingDir
	}
	cmd.Env = buildEnv(def.Env, req)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Stdin stays closed: tasks read their inputs from the environment.
	cmd.Stdin = nil
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	res := &Execution{StartedAt: time.Now().UTC()}
	wallStart := time.Now()
	runErr := cmd.Run()
	res.FinishedAt = time.Now().UTC()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Cost = costOf(cmd, time.Since(wallStart))

	switch {
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Stderr += fmt.Sprintf("\n[TIMEOUT after %ds]", int(timeout/time.Second))
	case runErr == nil:
		res.ExitCode = 0
		res.Result = ParseTaskResult(res.Stdout)
	default:
		if code, ok := exitCode(runErr); ok {
			res.ExitCode = code
		} else {
			res.ExitCode = -2
			res.Stderr += fmt.Sprintf("\nExecution error: %v", runErr)
		}
	}
	return res, nil
}

func exitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func (r *Runner) buildCommand(ctx context.Context, def *types.TaskDefinition, params map[string]any) (*exec.Cmd, func(), error) {
	python := r.Python
	if python == "" {
		python = "python3"
	}
	npx := r.NPX
	if npx == "" {
		npx = "npx"
	}

	switch def.Kind {
	case types.KindShell:
		return exec.CommandContext(ctx, "sh", "-c", FormatShellCode(def.Code, params)), nil, nil

	case types.KindPython:
		path, cleanup, err := writeTempScript(def.Code, "*.py")
		if err != nil {
			return nil, nil, err
		}
		return exec.CommandContext(ctx, python, path), cleanup, nil

	case types.KindPythonFile:
		path := def.Code
		if !filepath.IsAbs(path) && def.WorkingDir != "" {
			path = filepath.Join(def.WorkingDir, path)
		}
		return exec.CommandContext(ctx, python, path), nil, nil

	case types.KindTypeScript:
		path, cleanup, err := writeTempScript(def.Code, "*.ts")
		if err != nil {
			return nil, nil, err
		}
		return exec.CommandContext(ctx, npx, "ts-node", path), cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown task kind: %s", def.Kind)
	}
}

func writeTempScript(code, pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp script: %w", err)
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write temp script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to close temp script: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// buildEnv extends the process environment with the task's declared env and
// the execution contract variables tasks read their inputs from.
func buildEnv(taskEnv map[string]string, req Request) []string {
	env := os.Environ()
	for k, v := range taskEnv {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TASK_PARAMS="+types.EncodeParams(req.Params),
		"TASK_CONTEXT="+types.EncodeContext(req.Context),
		fmt.Sprintf("TASK_QUEUE_ID=%d", req.QueueID),
		"TASK_STACK_ID="+req.StackID,
		"TASK_DB="+req.DBPath,
	)
	return env
}

// FormatShellCode substitutes {name} placeholders in a shell template from
// the parameters map. String values substitute verbatim; everything else
// substitutes as JSON. Unknown placeholders are left alone.
func FormatShellCode(code string, params map[string]any) string {
	for k, v := range params {
		placeholder := "{" + k + "}"
		if !strings.Contains(code, placeholder) {
			continue
		}
		code = strings.ReplaceAll(code, placeholder, stringify(v))
	}
	return code
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func costOf(cmd *exec.Cmd, wall time.Duration) types.CostMetrics {
	cost := types.CostMetrics{WallMS: wall.Milliseconds()}
	state := cmd.ProcessState
	if state == nil {
		return cost
	}
	cost.CPUUserMS = state.UserTime().Milliseconds()
	cost.CPUSysMS = state.SystemTime().Milliseconds()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		cost.MaxRSSKB = int64(ru.Maxrss)
	}
	return cost
}

// ParseTaskResult extracts the structured result from a child's stdout.
// Scanning from the last line upward, the first JSON object whose marker
// field is truthy wins. Without one, the trimmed stdout becomes a plain
// string output carrying no context delta.
func ParseTaskResult(stdout string) *types.TaskResult {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		if !truthy(probe[types.ResultMarker]) {
			continue
		}
		var result types.TaskResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			continue
		}
		return &result
	}

	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return &types.TaskResult{}
	}
	return &types.TaskResult{Output: trimmed}
}

func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}
