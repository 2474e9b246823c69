package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// ClientVersion is sent with ping for compatibility checks. Overridden at
// CLI startup.
var ClientVersion = "0.0.0"

// Client is a connection to a running daemon.
type Client struct {
	conn       net.Conn
	socketPath string
	timeout    time.Duration
	requester  string
}

// TryConnect attempts to connect to the daemon socket. Returns nil without
// error when no daemon is listening; a stale socket file left by a dead
// daemon is removed.
func TryConnect(socketPath string) (*Client, error) {
	return TryConnectWithTimeout(socketPath, 200*time.Millisecond)
}

// TryConnectWithTimeout is TryConnect with an explicit dial timeout.
func TryConnectWithTimeout(socketPath string, dialTimeout time.Duration) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, nil
	}
	if dialTimeout <= 0 {
		dialTimeout = 200 * time.Millisecond
	}
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		// Socket file exists but nobody is listening.
		_ = os.Remove(socketPath)
		return nil, nil
	}

	client := &Client{conn: conn, socketPath: socketPath, timeout: 30 * time.Second}
	if _, err := client.Ping(); err != nil {
		_ = conn.Close()
		return nil, nil
	}
	return client, nil
}

// Connect dials the daemon socket and fails when it is unreachable.
func Connect(socketPath string, dialTimeout time.Duration) (*Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, socketPath: socketPath, timeout: 30 * time.Second}, nil
}

// Close closes the connection to the daemon
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetTimeout sets the request timeout duration
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SetRequester sets the requester recorded on submissions made through this
// client.
func (c *Client) SetRequester(requester string) {
	c.requester = requester
}

// Execute sends an RPC request and waits for the response line.
func (c *Client) Execute(operation string, args any) (*Response, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}

	req := Request{
		Operation: operation,
		Args:      argsJSON,
		Requester: c.requester,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.timeout > 0 {
		deadline := time.Now().Add(c.timeout)
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	writer := bufio.NewWriter(c.conn)
	if _, err := writer.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("failed to write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	reader := bufio.NewReader(c.conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// Call executes an operation and decodes the response data into out. A
// failed response becomes an error. out may be nil when the caller only
// cares about success.
func (c *Client) Call(operation string, args any, out any) error {
	resp, err := c.Execute(operation, args)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
	}
	return nil
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping() (*PingResponse, error) {
	var pong PingResponse
	if err := c.Call(OpPing, struct{}{}, &pong); err != nil {
		return nil, err
	}
	return &pong, nil
}
