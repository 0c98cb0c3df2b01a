// priority.go implements the bounded, four-class priority admission queue.
//
// The class set is fixed-size (Critical, High, Normal, Low), so four plain
// slices used as FIFO ring buffers are simpler and faster than a generic
// container/heap for this job. One sync.Mutex plus a sync.Cond guards all
// four. Pop waits on the condition variable for new work the way a pool
// waiting for a resource to free up would, including a ctx.Done-to-
// Broadcast translation goroutine so a cancelled caller wakes promptly.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritas/spark/internal/metrics"
	"github.com/veritas/spark/internal/wire"
)

// Request is a queued inference request, the QueuedRequest of the data
// model. Notify, if non-nil, is invoked exactly once by Pop when the
// request is skipped due to cancellation or timeout, so its emitter can
// synthesize the request's terminal frame.
type Request struct {
	ID           uint64
	SessionID    string
	ModelID      string
	PromptTokens []uint32
	Params       wire.InferenceParameters
	Priority     wire.Priority
	EnqueuedAt   time.Time

	cancelFlag atomic.Bool
	Notify     func(err error)

	// Emit streams this request's frames back to its owning connection. Set
	// by the connection handler at dispatch time; the worker that executes
	// the request calls it directly rather than reaching back into conn,
	// since queue sits below conn in the dependency graph.
	Emit func(msg *wire.Message) error

	// CancelCh is closed by the connection handler when a CancelRequest
	// arrives for this request's id, or when the connection drops. The
	// executing worker passes it straight through to stream.Engine.Run.
	CancelCh chan struct{}
}

// Cancel sets the request's cancel flag; Pop will skip it on the next
// sweep and fire Notify with the appropriate terminal error.
func (r *Request) Cancel() {
	r.cancelFlag.Store(true)
}

func (r *Request) cancelled() bool {
	return r.cancelFlag.Load()
}

func (r *Request) timedOut() bool {
	if r.Params.TimeoutMs <= 0 {
		return false
	}
	return time.Since(r.EnqueuedAt) >= time.Duration(r.Params.TimeoutMs)*time.Millisecond
}

// State mirrors the shutdown coordinator's state machine without
// importing internal/shutdown (queue sits below shutdown in the
// dependency order); the coordinator drives it via SetState.
type State int

const (
	Running State = iota
	Draining
	Drained
	Terminated
)

// Queue is the bounded, four-class priority admission queue.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	classes [4][]*Request // indexed by wire.Priority

	depth      int
	maxPending int

	state atomic.Int32

	nextID atomic.Uint64

	waiters int
}

// New creates a Queue with the given bounded capacity.
func New(maxPending int) *Queue {
	q := &Queue{maxPending: maxPending}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetState updates the shutdown-state gate consulted by the admission
// policy. The shutdown coordinator calls this when it transitions.
func (q *Queue) SetState(s State) {
	q.state.Store(int32(s))
	q.mu.Lock()
	q.cond.Broadcast() // wake pop()s so they can observe shutdown promptly
	q.mu.Unlock()
}

func (q *Queue) currentState() State {
	return State(q.state.Load())
}

// Push applies admission control and enqueues req if admitted, assigning
// and returning its RequestId. RequestId values are strictly increasing
// within a runtime.
func (q *Queue) Push(req *Request) (uint64, error) {
	if err := req.Params.Validate(); err != nil {
		metrics.RecordAdmissionResult(req.ModelID, "rejected", "invalid_params")
		return 0, err
	}
	if q.currentState() != Running {
		metrics.RecordAdmissionResult(req.ModelID, "rejected", "shutting_down")
		return 0, wire.ErrShuttingDown
	}

	q.mu.Lock()
	if q.depth >= q.maxPending {
		q.mu.Unlock()
		metrics.RecordAdmissionResult(req.ModelID, "rejected", "overloaded")
		metrics.RecordShed(req.ModelID, "queue_full")
		return 0, wire.ErrOverloaded
	}

	id := q.nextID.Add(1)
	req.ID = id
	req.EnqueuedAt = time.Now()
	q.classes[req.Priority] = append(q.classes[req.Priority], req)
	q.depth++
	depth := q.depth
	q.cond.Signal()
	q.mu.Unlock()

	metrics.RecordAdmissionResult(req.ModelID, "accepted", "")
	metrics.SetQueueDepth(req.Priority.String(), depth)

	return id, nil
}

// Pop returns the oldest request of the highest non-empty priority class,
// skipping any request that has been cancelled or whose timeout has
// elapsed (firing its Notify callback with the synthesized terminal
// error). Pop blocks until work is available, ctx is cancelled, or the
// queue enters Terminated.
func (q *Queue) Pop(ctx context.Context) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	for {
		if req, ok := q.popReadyLocked(); ok {
			return req, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.currentState() == Terminated {
			return nil, wire.ErrShuttingDown
		}
		q.waiters++
		q.cond.Wait()
		q.waiters--
	}
}

// popReadyLocked scans priority classes from Critical to Low, discarding
// cancelled/timed-out entries as it goes, and returns the first live
// request found. Must be called with q.mu held.
func (q *Queue) popReadyLocked() (*Request, bool) {
	for p := wire.Critical; p >= wire.Low; p-- {
		bucket := q.classes[p]
		for len(bucket) > 0 {
			req := bucket[0]
			bucket = bucket[1:]
			q.classes[p] = bucket
			q.depth--

			if req.cancelled() {
				if req.Notify != nil {
					req.Notify(wire.ErrCancelled)
				}
				continue
			}
			if req.timedOut() {
				if req.Notify != nil {
					req.Notify(wire.ErrTimeout)
				}
				continue
			}
			metrics.SetQueueDepth(p.String(), len(bucket))
			metrics.SetQueueWaitMs(p.String(), time.Since(req.EnqueuedAt).Milliseconds())
			return req, true
		}
	}
	return nil, false
}

// Depth returns the total number of requests currently queued across all
// priority classes.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Close wakes every blocked Pop so callers can observe shutdown; it does
// not drain the queue, since drained entries must still be reported as
// Cancelled to their emitters via the normal Pop path during drain.
func (q *Queue) Close() {
	q.SetState(Terminated)
}
