// workerpool.go implements the fixed pool of goroutines that pop admitted
// requests off the priority queue and drive them through the streaming
// engine: a fixed (non-adaptive) number of worker goroutines, a stopCh
// closed to signal shutdown, and a WaitGroup Stop waits on.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/queue"
	"github.com/veritas/spark/internal/stream"
)

// workerPool pops requests from a queue.Queue and executes them through a
// stream.Engine until stopped.
type workerPool struct {
	q      *queue.Queue
	engine *stream.Engine

	count  int
	stopCh chan struct{}
	wg     sync.WaitGroup

	started bool
	mu      sync.Mutex
}

func newWorkerPool(q *queue.Queue, engine *stream.Engine, count int) *workerPool {
	if count <= 0 {
		count = 1
	}
	return &workerPool{q: q, engine: engine, count: count, stopCh: make(chan struct{})}
}

// Start launches the fixed set of worker goroutines.
func (w *workerPool) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	logging.Op().Info("inference worker pool started", "workers", w.count)
}

// Stop signals every worker to exit and waits for them to drain.
func (w *workerPool) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logging.Op().Info("inference worker pool stopped")
}

func (w *workerPool) worker(id int) {
	defer w.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	for {
		req, err := w.q.Pop(ctx)
		if err != nil {
			return
		}
		if req.Emit == nil {
			// Admitted but the connection never attached an emitter (should
			// not happen via internal/conn's dispatch path); drop silently
			// rather than panic on a nil call.
			logging.Op().Error("popped request with no emit function", "worker", workerID, "request_id", req.ID)
			continue
		}
		if err := w.engine.Run(ctx, req, req.CancelCh, req.Emit); err != nil {
			logging.Op().Debug("request finished with error", "worker", workerID, "request_id", req.ID, "error", err)
		}
	}
}
