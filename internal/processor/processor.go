// Package processor is the claim/execute/settle worker: it polls the graph
// request queue, drives each claimed request through a stack run, and
// settles the outcome back onto the request node.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/BHPAV/Runner/internal/cascade"
	"github.com/BHPAV/Runner/internal/graph"
	"github.com/BHPAV/Runner/internal/stack"
	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/types"
)

// Settlement backoff bounds.
const (
	settleBackoffBase = 500 * time.Millisecond
	settleBackoffMax  = 30 * time.Second
)

// Options configures a Processor.
type Options struct {
	WorkerID      string        // default "<host>:<pid>"
	PollInterval  time.Duration // sleep between empty polls
	RequestBudget time.Duration // hard bound on one claimed request, default 1h
	Logger        *log.Logger
}

// Stats counts what a processor has done since start.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Processor claims one request at a time; run several processes for
// concurrency, the claim is atomic across them.
type Processor struct {
	store     storage.Storage
	graph     *graph.Store
	engine    *stack.Engine
	evaluator *cascade.Evaluator
	opts      Options

	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a processor.
func New(store storage.Storage, g *graph.Store, engine *stack.Engine, evaluator *cascade.Evaluator, opts Options) *Processor {
	if opts.WorkerID == "" {
		opts.WorkerID = DefaultWorkerID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.RequestBudget <= 0 {
		opts.RequestBudget = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Processor{store: store, graph: g, engine: engine, evaluator: evaluator, opts: opts}
}

// DefaultWorkerID identifies this worker as host:pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// WorkerID returns the identity used for claims.
func (p *Processor) WorkerID() string {
	return p.opts.WorkerID
}

// Stats returns a snapshot of the processing counters.
func (p *Processor) Stats() Stats {
	return Stats{Processed: p.processed.Load(), Failed: p.failed.Load()}
}

// Run polls for work until ctx is cancelled. A cancelled ctx stops new
// claims only: the in-flight request keeps running under its own budget,
// is settled, and then Run returns.
func (p *Processor) Run(ctx context.Context) error {
	p.opts.Logger.Printf("processor %s: started", p.opts.WorkerID)
	for {
		if ctx.Err() != nil {
			p.opts.Logger.Printf("processor %s: stopping", p.opts.WorkerID)
			return nil
		}
		worked, err := p.ProcessOne(ctx)
		if err != nil {
			p.opts.Logger.Printf("processor %s: %v", p.opts.WorkerID, err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// ProcessOne claims and fully handles a single request. Returns false when
// nothing was claimable (including while the kill switch is set).
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	killed, err := p.store.KillSwitchActive(ctx)
	if err != nil {
		return false, err
	}
	if killed {
		return false, nil
	}

	req, err := p.graph.ClaimNext(ctx, p.opts.WorkerID)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}
	p.opts.Logger.Printf("processor %s: claimed %s (task=%s)", p.opts.WorkerID, req.RequestID, req.TaskID)

	if err := p.graph.MarkExecuting(ctx, req.RequestID); err != nil {
		// Lost the row between claim and execute; nothing to settle.
		return true, err
	}

	// A claimed request is a commitment: shutdown of the caller's ctx must
	// not kill the running child. The run is detached from that cancellation
	// and bounded by the request budget instead; the signal is observed
	// again at the next claim.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.RequestBudget)
	defer cancel()

	resultRef, runErr := p.runStack(runCtx, req)
	p.settle(runCtx, req.RequestID, resultRef, runErr)
	return true, nil
}

// runStack builds and drains the stack for a request. Returns the result
// reference on success.
func (p *Processor) runStack(ctx context.Context, req *types.TaskRequest) (string, error) {
	created, err := p.engine.Create(ctx, req.RequestID, req.TaskID, req.Parameters)
	if err != nil {
		return "", err
	}
	st, err := p.engine.RunToCompletion(ctx, created.StackID)
	if err != nil {
		return "", err
	}
	switch st.Status {
	case types.StackDone:
		return stack.ResultRef(st.StackID), nil
	case types.StackCancelled:
		return "", fmt.Errorf("stack cancelled: %s", st.ErrorMessage)
	default:
		return "", fmt.Errorf("stack failed: %s", st.ErrorMessage)
	}
}

// settle writes the outcome onto the request node, retrying with
// exponential backoff and jitter while the worker is alive. A request still
// unsettled when the request budget expires is failed with "worker timeout"
// in a final detached attempt.
func (p *Processor) settle(ctx context.Context, requestID, resultRef string, runErr error) {
	backoff := settleBackoffBase
	for {
		var err error
		if runErr == nil {
			err = p.graph.MarkDone(ctx, requestID, resultRef)
		} else {
			err = p.graph.MarkFailed(ctx, requestID, runErr.Error())
		}
		if err == nil {
			break
		}
		p.opts.Logger.Printf("processor %s: settle %s: %v", p.opts.WorkerID, requestID, err)

		select {
		case <-ctx.Done():
			detached := context.Background()
			if ferr := p.graph.MarkFailed(detached, requestID, "worker timeout"); ferr != nil {
				p.opts.Logger.Printf("processor %s: final settle %s: %v", p.opts.WorkerID, requestID, ferr)
			}
			p.failed.Add(1)
			return
		case <-time.After(jitter(backoff)):
		}
		if backoff < settleBackoffMax {
			backoff *= 2
		}
	}

	if runErr == nil {
		p.processed.Add(1)
		p.opts.Logger.Printf("processor %s: %s done (%s)", p.opts.WorkerID, requestID, resultRef)
		if _, err := p.evaluator.ResolveBlocked(ctx, requestID); err != nil {
			p.opts.Logger.Printf("processor %s: unblock after %s: %v", p.opts.WorkerID, requestID, err)
		}
	} else {
		p.failed.Add(1)
		p.opts.Logger.Printf("processor %s: %s failed: %v", p.opts.WorkerID, requestID, runErr)
	}
}

// jitter spreads a delay to +-50% so settling workers do not retry in
// lockstep.
func jitter(d time.Duration) time.Duration {
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(int64(d)))
}

// Drain processes requests until the queue is empty or ctx is cancelled.
// Used by the single-shot CLI mode. Returns how many requests were handled.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		worked, err := p.ProcessOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return n, err
		}
		if !worked {
			return n, nil
		}
		n++
	}
}
