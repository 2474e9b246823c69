// Package rpc exposes the submission surface over a unix domain socket,
// one newline-delimited JSON request and response per line.
package rpc

import (
	"encoding/json"

	"github.com/BHPAV/Runner/internal/types"
)

// Operation constants for all runner commands
const (
	OpPing        = "ping"
	OpSubmit      = "submit"
	OpStatus      = "status"
	OpResult      = "result"
	OpCancel      = "cancel"
	OpListTasks   = "list_tasks"
	OpListPending = "list_pending"
)

// Request represents an RPC request from client to daemon
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
	Requester string          `json:"requester,omitempty"` // Who is submitting (for audit trail)
}

// Response represents an RPC response from daemon to client
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StatusArgs represents arguments for the status operation
type StatusArgs struct {
	RequestID string `json:"request_id"`
}

// ResultArgs represents arguments for the result operation
type ResultArgs struct {
	RequestID    string `json:"request_id"`
	IncludeTrace bool   `json:"include_trace,omitempty"`
}

// CancelArgs represents arguments for the cancel operation
type CancelArgs struct {
	RequestID string `json:"request_id"`
}

// ListTasksArgs represents arguments for the list_tasks operation
type ListTasksArgs struct {
	Filter string `json:"filter,omitempty"`
	All    bool   `json:"all,omitempty"` // include disabled tasks
}

// ListPendingArgs represents arguments for the list_pending operation
type ListPendingArgs struct {
	Status types.RequestStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// PingResponse is the response for a ping operation
type PingResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}
