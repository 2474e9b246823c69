package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/BHPAV/Runner/internal/surface"
)

// ServerVersion is reported by ping. Overridden at daemon startup.
var ServerVersion = "0.0.0"

// Server serves the submission surface over a unix socket.
type Server struct {
	socketPath string
	svc        *surface.Service
	logger     *log.Logger

	listener       net.Listener
	requestTimeout time.Duration
	readyChan      chan struct{}
	shutdownChan   chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// NewServer creates an RPC server over the given submission service.
func NewServer(socketPath string, svc *surface.Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Server{
		socketPath:     socketPath,
		svc:            svc,
		logger:         logger,
		requestTimeout: 30 * time.Second,
		readyChan:      make(chan struct{}),
		shutdownChan:   make(chan struct{}),
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start listens on the socket and serves connections until Stop. A stale
// socket file from a dead daemon is removed before binding.
func (s *Server) Start() error {
	if _, err := EnsureSocketDir(s.socketPath); err != nil {
		return fmt.Errorf("failed to prepare socket dir: %w", err)
	}
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	close(s.readyChan)
	s.logger.Printf("rpc: listening on %s", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Printf("rpc: accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// WaitReady blocks until the server is accepting connections.
func (s *Server) WaitReady() {
	<-s.readyChan
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdownChan)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		_ = CleanupSocketDir(s.socketPath)
	})
}

// handleConnection serves one client: requests arrive one JSON object per
// line and each gets one JSON response line back.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}
		} else {
			resp = s.handleRequest(&req)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			out, _ = json.Marshal(Response{Success: false, Error: "failed to encode response"})
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Server) handleRequest(req *Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	switch req.Operation {
	case OpPing:
		return success(PingResponse{Message: "pong", Version: ServerVersion})
	case OpSubmit:
		return s.handleSubmit(ctx, req)
	case OpStatus:
		return s.handleStatus(ctx, req)
	case OpResult:
		return s.handleResult(ctx, req)
	case OpCancel:
		return s.handleCancel(ctx, req)
	case OpListTasks:
		return s.handleListTasks(ctx, req)
	case OpListPending:
		return s.handleListPending(ctx, req)
	default:
		return failure(fmt.Sprintf("unknown operation: %s", req.Operation))
	}
}

func (s *Server) handleSubmit(ctx context.Context, req *Request) Response {
	var args surface.SubmitArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return invalidArgs(err)
	}
	if args.Requester == "" {
		args.Requester = req.Requester
	}
	res, err := s.svc.Submit(ctx, args)
	if err != nil {
		return failure(err.Error())
	}
	return success(res)
}

func (s *Server) handleStatus(ctx context.Context, req *Request) Response {
	var args StatusArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return invalidArgs(err)
	}
	res, err := s.svc.Status(ctx, args.RequestID)
	if err != nil {
		return failure(err.Error())
	}
	return success(res)
}

func (s *Server) handleResult(ctx context.Context, req *Request) Response {
	var args ResultArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return invalidArgs(err)
	}
	res, err := s.svc.Result(ctx, args.RequestID, args.IncludeTrace)
	if err != nil {
		return failure(err.Error())
	}
	return success(res)
}

func (s *Server) handleCancel(ctx context.Context, req *Request) Response {
	var args CancelArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return invalidArgs(err)
	}
	res, err := s.svc.Cancel(ctx, args.RequestID)
	if err != nil {
		return failure(err.Error())
	}
	return success(res)
}

func (s *Server) handleListTasks(ctx context.Context, req *Request) Response {
	var args ListTasksArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return invalidArgs(err)
		}
	}
	defs, err := s.svc.ListTasks(ctx, args.Filter, !args.All)
	if err != nil {
		return failure(err.Error())
	}
	return success(defs)
}

func (s *Server) handleListPending(ctx context.Context, req *Request) Response {
	var args ListPendingArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return invalidArgs(err)
		}
	}
	reqs, err := s.svc.ListPending(ctx, args.Status, args.Limit)
	if err != nil {
		return failure(err.Error())
	}
	return success(reqs)
}

func success(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return failure(fmt.Sprintf("failed to marshal response data: %v", err))
	}
	return Response{Success: true, Data: data}
}

func failure(msg string) Response {
	return Response{Success: false, Error: msg}
}

func invalidArgs(err error) Response {
	return failure(fmt.Sprintf("invalid arguments: %v", err))
}
