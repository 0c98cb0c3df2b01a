// Package health implements the daemon's pure health-reporting function.
// It takes no locks and calls no other package's methods beyond reading
// plain values its caller already collected, so it can be invoked
// synchronously from the connection handler (a HealthCheck frame) and
// from the side-channel gRPC health service without either caller needing
// to coordinate with the other.
package health

import "github.com/veritas/spark/internal/shutdown"

// Report mirrors wire.HealthReportPayload; it is a separate type so this
// package does not need to import wire, keeping it a leaf.
type Report struct {
	State             string
	Alive             bool
	Ready             bool
	AcceptingRequests bool
	ModelsLoaded      int
	QueueDepth        int
	MemoryUsedBytes   int64
}

const (
	stateHealthy   = "healthy"
	stateDegraded  = "degraded"
	stateUnhealthy = "unhealthy"
)

// degradedMemoryFraction is the fraction of capacity at which a Ready
// daemon is reported Degraded rather than Healthy.
const degradedMemoryFraction = 0.9

// Compute derives a Report from the daemon's current shutdown state, pool
// occupancy, and queue depth. alive/ready/state/accepting_requests are
// always recomputed from these inputs, never cached, so two calls with
// the same inputs always agree.
func Compute(state shutdown.State, modelsLoaded int, memoryUsedBytes, memoryCapBytes int64, queueDepth, maxPending int) Report {
	alive := state == shutdown.Running || state == shutdown.Draining
	ready := state == shutdown.Running && modelsLoaded >= 1 && queueDepth < maxPending
	acceptingRequests := state == shutdown.Running && queueDepth < maxPending

	var reportedState string
	switch {
	case ready && memoryCapBytes > 0 && float64(memoryUsedBytes) < degradedMemoryFraction*float64(memoryCapBytes):
		reportedState = stateHealthy
	case ready && memoryCapBytes <= 0:
		reportedState = stateHealthy
	case ready:
		reportedState = stateDegraded
	default:
		reportedState = stateUnhealthy
	}

	return Report{
		State:             reportedState,
		Alive:             alive,
		Ready:             ready,
		AcceptingRequests: acceptingRequests,
		ModelsLoaded:      modelsLoaded,
		QueueDepth:        queueDepth,
		MemoryUsedBytes:   memoryUsedBytes,
	}
}
