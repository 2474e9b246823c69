package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BHPAV/Runner/internal/graph"
	"github.com/BHPAV/Runner/internal/storage/sqlite"
	"github.com/BHPAV/Runner/internal/surface"
	"github.com/BHPAV/Runner/internal/types"
)

func startTestServer(t *testing.T) (*Server, *Client) {
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

	err = store.PutTask(ctx, &types.TaskDefinition{
		TaskID:  "build",
		Kind:    types.KindShell,
		Code:    "echo ok",
		Timeout: 30 * time.Second,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("PutTask failed: %v", err)
	}

	srv := NewServer(filepath.Join(dir, "runner.sock"), surface.New(store, g), log.New(io.Discard, "", 0))
	go func() {
		if serr := srv.Start(); serr != nil {
			t.Errorf("server Start: %v", serr)
		}
	}()
	srv.WaitReady()
	t.Cleanup(srv.Stop)

	client, err := Connect(srv.SocketPath(), time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestPingRoundTrip(t *testing.T) {
	_, client := startTestServer(t)

	pong, err := client.Ping()
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if pong.Message != "pong" {
		t.Errorf("Message = %q", pong.Message)
	}
}

func TestSubmitStatusCancelOverSocket(t *testing.T) {
	_, client := startTestServer(t)
	client.SetRequester("test-cli")

	var sub surface.SubmitResult
	err := client.Call(OpSubmit, surface.SubmitArgs{
		TaskID:     "build",
		RequestID:  "r1",
		Parameters: map[string]any{"target": "all"},
	}, &sub)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if sub.RequestID != "r1" || !sub.IsNew {
		t.Errorf("submit = %+v", sub)
	}

	var st surface.StatusResult
	if err := client.Call(OpStatus, StatusArgs{RequestID: "r1"}, &st); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st.Status != types.RequestPending || st.TaskID != "build" {
		t.Errorf("status = %+v", st)
	}

	var pending []*types.TaskRequest
	if err := client.Call(OpListPending, ListPendingArgs{}, &pending); err != nil {
		t.Fatalf("list_pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Requester != "test-cli" {
		t.Errorf("pending = %v", pending)
	}

	var cancelled surface.CancelResult
	if err := client.Call(OpCancel, CancelArgs{RequestID: "r1"}, &cancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != types.RequestCancelled {
		t.Errorf("cancel = %+v", cancelled)
	}
}

func TestListTasksOverSocket(t *testing.T) {
	_, client := startTestServer(t)

	var defs []*types.TaskDefinition
	if err := client.Call(OpListTasks, ListTasksArgs{}, &defs); err != nil {
		t.Fatalf("list_tasks failed: %v", err)
	}
	if len(defs) != 1 || defs[0].TaskID != "build" {
		t.Errorf("tasks = %v", defs)
	}
}

func TestUnknownOperation(t *testing.T) {
	_, client := startTestServer(t)

	resp, err := client.Execute("frobnicate", struct{}{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Success {
		t.Error("unknown operation must fail")
	}
	if !strings.Contains(resp.Error, "unknown operation") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestErrorsTravelAsResponses(t *testing.T) {
	_, client := startTestServer(t)

	err := client.Call(OpStatus, StatusArgs{RequestID: "ghost"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown request")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error = %v", err)
	}

	// Malformed args are rejected, not fatal to the connection.
	resp, err := client.Execute(OpSubmit, json.RawMessage(`"not an object"`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Success {
		t.Error("malformed args must fail")
	}
	if _, err := client.Ping(); err != nil {
		t.Errorf("connection unusable after bad request: %v", err)
	}
}

func TestTryConnectNoDaemon(t *testing.T) {
	client, err := TryConnect(filepath.Join(t.TempDir(), "nope.sock"))
	if err != nil {
		t.Fatalf("TryConnect failed: %v", err)
	}
	if client != nil {
		t.Error("expected nil client when no daemon is running")
	}
}

func TestShortSocketPath(t *testing.T) {
	short := ShortSocketPath("/home/dev/proj")
	if short != "/home/dev/proj/.runner/runner.sock" {
		t.Errorf("short workspace = %q", short)
	}

	long := "/home/dev/" + strings.Repeat("deeply-nested/", 12) + "proj"
	fallback := ShortSocketPath(long)
	if !strings.HasPrefix(fallback, "/tmp/runner-") {
		t.Errorf("long workspace should fall back to /tmp, got %q", fallback)
	}
	if len(fallback) > MaxUnixSocketPath {
		t.Errorf("fallback still too long: %d chars", len(fallback))
	}
	if fallback != ShortSocketPath(long) {
		t.Error("fallback path must be deterministic")
	}
}
