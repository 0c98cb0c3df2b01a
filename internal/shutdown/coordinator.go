// Package shutdown implements the daemon-wide graceful shutdown state
// machine: Running → Draining → Drained → Terminated.
//
// # Design rationale
//
// The closest prior art is a graceful-shutdown routine that flips a
// closing flag, waits on an in-flight WaitGroup with a timeout, then tears
// down its own sub-components in order. Coordinator.Initiate follows the
// same shape but polls a flight count rather than a WaitGroup (nothing
// here owns a single WaitGroup spanning every connection), and adds a
// mid-drain soft-cancel step before the hard deadline.
package shutdown

import (
	"context"
	"time"

	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/metrics"
	"github.com/veritas/spark/internal/modelpool"
)

// State is the coordinator's position in the shutdown lifecycle.
type State int32

const (
	Running State = iota
	Draining
	Drained
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Drained:
		return "drained"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Outcome classifies how a drain concluded.
type Outcome string

const (
	Graceful Outcome = "graceful"
	Forced   Outcome = "forced"
	TimedOut Outcome = "timed_out"
)

// Result is returned by Initiate. It is never an error value: a failure to
// drain cleanly is reported as Forced or TimedOut, not as a Go error.
type Result struct {
	Outcome      Outcome
	InFlightAtExit int64
}

// FlightSource reports the sum of in-flight requests across every loaded
// model; modelpool.Pool satisfies this directly.
type FlightSource interface {
	TotalInFlight() int64
}

// Drainer is the component the coordinator notifies when draining begins
// so that new handshakes are refused; session.Authenticator satisfies it
// directly. The queue and the pool are reached through QueueDrainer and
// the *modelpool.Pool field.
type Drainer interface {
	SetShuttingDown(v bool)
}

// QueueDrainer is the subset of queue.Queue the coordinator needs; kept as
// its own interface (rather than folding into Drainer) since the queue's
// setter takes its own local State type, not shutdown.State.
type QueueDrainer interface {
	Close()
}

// SoftCanceller is invoked once, 5 seconds before the deadline, to ask
// every in-flight request to wind down voluntarily before the hard
// deadline ends the drain wait. The pool's DrainLRU afterwards skips any
// model that still has requests in flight.
type SoftCanceller func()

// softCancelLeadTime is fixed per spec: the soft-cancel signal fires this
// long before the drain deadline, not on a configurable schedule.
const softCancelLeadTime = 5 * time.Second

// pollInterval is how often the coordinator checks whether flight has
// reached zero while draining.
const pollInterval = 50 * time.Millisecond

// Coordinator owns the daemon-wide shutdown state transition.
type Coordinator struct {
	state State

	auth  Drainer
	queue QueueDrainer
	pool  *modelpool.Pool

	softCancel SoftCanceller
}

// New constructs a Coordinator wired to the daemon's session authenticator,
// admission queue, and model pool.
func New(auth Drainer, q QueueDrainer, pool *modelpool.Pool, softCancel SoftCanceller) *Coordinator {
	return &Coordinator{auth: auth, queue: q, pool: pool, softCancel: softCancel}
}

// CurrentState returns the coordinator's current lifecycle position, used
// by the health reporter and by new connections deciding whether to accept
// a handshake.
func (c *Coordinator) CurrentState() State {
	return c.state
}

// Initiate transitions Running → Draining → Drained → Terminated, honoring
// timeout as the maximum time to wait for in-flight requests to finish
// before forcing eviction. It is idempotent only in the sense that calling
// it twice concurrently is the caller's error to avoid; the runtime calls
// it exactly once, from the signal handler.
func (c *Coordinator) Initiate(ctx context.Context, timeout time.Duration) Result {
	c.state = Draining
	c.auth.SetShuttingDown(true)
	c.queue.Close()
	logging.Op().Info("shutdown initiated", "timeout", timeout.String())

	deadline := time.Now().Add(timeout)
	softCancelAt := deadline.Add(-softCancelLeadTime)
	softCancelled := false

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	outcome := Graceful
loop:
	for {
		if c.pool.TotalInFlight() == 0 {
			break
		}
		if time.Now().After(deadline) {
			outcome = TimedOut
			break
		}
		if !softCancelled && time.Now().After(softCancelAt) {
			softCancelled = true
			if c.softCancel != nil {
				logging.Op().Warn("drain deadline approaching, soft-cancelling in-flight requests")
				c.softCancel()
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			outcome = TimedOut
			break loop
		}
	}

	c.state = Drained

	inFlightAtExit := c.pool.TotalInFlight()
	if inFlightAtExit > 0 && outcome == Graceful {
		outcome = Forced
	}

	unloaded, skipped := c.pool.DrainLRU(ctx)
	logging.Op().Info("pool drained", "unloaded", unloaded, "skipped", skipped, "outcome", string(outcome))
	metrics.SetModelsResident(c.pool.Count())

	c.state = Terminated
	return Result{Outcome: outcome, InFlightAtExit: inFlightAtExit}
}
