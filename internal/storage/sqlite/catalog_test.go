package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/types"
)

func TestPutGetTask(t *testing.T) {
	env := newTestEnv(t)

	env.PutTaskWith("greet", types.KindShell, `echo "hello {name}"`, map[string]any{"name": "world"})

	got, err := env.Store.GetTask(env.Ctx, "greet")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Kind != types.KindShell {
		t.Errorf("Kind = %q, want %q", got.Kind, types.KindShell)
	}
	if got.Code != `echo "hello {name}"` {
		t.Errorf("Code = %q", got.Code)
	}
	if got.DefaultParams["name"] != "world" {
		t.Errorf("DefaultParams = %v", got.DefaultParams)
	}
	if got.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want 1m", got.Timeout)
	}
	if !got.Enabled {
		t.Error("expected task enabled")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Store.GetTask(env.Ctx, "nope")
	if !errors.Is(err, storage.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestPutTaskUpsert(t *testing.T) {
	env := newTestEnv(t)

	env.PutTask("job", "echo one")
	env.PutTask("job", "echo two")

	got, err := env.Store.GetTask(env.Ctx, "job")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Code != "echo two" {
		t.Errorf("Code = %q, want overwrite to take effect", got.Code)
	}

	all, err := env.Store.ListTasks(env.Ctx, "", false)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 task after upsert, got %d", len(all))
	}
}

func TestListTasksFilter(t *testing.T) {
	env := newTestEnv(t)

	env.PutTask("build-api", "echo build")
	env.PutTask("build-web", "echo build")
	env.PutTask("deploy", "echo deploy")

	got, err := env.Store.ListTasks(env.Ctx, "build", false)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].TaskID != "build-api" || got[1].TaskID != "build-web" {
		t.Errorf("unexpected order: %s, %s", got[0].TaskID, got[1].TaskID)
	}
}

func TestListTasksEnabledOnly(t *testing.T) {
	env := newTestEnv(t)

	env.PutTask("on", "echo on")
	env.PutTask("off", "echo off")
	if err := env.Store.SetTaskEnabled(env.Ctx, "off", false); err != nil {
		t.Fatalf("SetTaskEnabled failed: %v", err)
	}

	got, err := env.Store.ListTasks(env.Ctx, "", true)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "on" {
		t.Errorf("expected only enabled task, got %v", got)
	}
}

func TestSetTaskEnabledNotFound(t *testing.T) {
	env := newTestEnv(t)

	err := env.Store.SetTaskEnabled(env.Ctx, "ghost", true)
	if !errors.Is(err, storage.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
