// Package runtime wires the daemon's components — session authenticator,
// admission queue, model pool, streaming engine, worker pool, and shutdown
// coordinator — into the single accept loop that cmd/spark's daemon
// command starts and stops.
//
// # Design rationale
//
// Accept loop shape: listen once, then
// loop listener.Accept() handing each connection to its own goroutine. The
// signal-driven graceful-shutdown shape (stop accepting, drain, tear down)
// follows cmd/comet/daemon.go's daemonCmd, adapted from an HTTP server's
// shutdown to the socket-IPC model here.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/veritas/spark/internal/backend"
	"github.com/veritas/spark/internal/circuitbreaker"
	"github.com/veritas/spark/internal/conn"
	"github.com/veritas/spark/internal/health"
	"github.com/veritas/spark/internal/healthgrpc"
	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/metrics"
	"github.com/veritas/spark/internal/modelpool"
	"github.com/veritas/spark/internal/modelstore"
	"github.com/veritas/spark/internal/queue"
	"github.com/veritas/spark/internal/session"
	"github.com/veritas/spark/internal/shutdown"
	"github.com/veritas/spark/internal/stream"
)

// Config collects everything the daemon needs to construct a Runtime. It
// is deliberately flat rather than embedding internal/config's Config
// struct directly, so this package does not need to import it.
type Config struct {
	SocketPath string

	SharedSecret      string
	SessionTimeout    time.Duration
	DenylistRedisAddr string

	MaxPending int
	Workers    int

	Pool   modelpool.Config
	Stream stream.Config

	Backend backend.Config

	MaxFrameSize       int
	MaxProtocolVersion int

	ShutdownTimeout time.Duration

	// ModelStore, when non-nil, is used by PreloadModel to stage a
	// registry entry's remote artifact onto local disk before the
	// backend loads it. A nil value disables staging entirely; the
	// daemon then only ever preloads models the backend can already
	// reach (e.g. the built-in mock).
	ModelStore *modelstore.Store

	// HealthGRPCAddr, when non-empty, binds the standard grpc.health.v1
	// probe service to that loopback TCP address (e.g. "127.0.0.1:9090")
	// alongside the socket IPC listener. Empty disables it.
	HealthGRPCAddr string
}

// healthPollInterval is how often Runtime pushes a fresh health.Report
// into the optional gRPC health service's serving-status table.
const healthPollInterval = 2 * time.Second

// Runtime owns every long-lived component of a running daemon instance and
// the listener goroutine that feeds connections to internal/conn.
type Runtime struct {
	cfg Config

	be      backend.Backend
	store   *modelstore.Store
	auth    *session.Authenticator
	queue   *queue.Queue
	pool    *modelpool.Pool
	engine  *stream.Engine
	workers *workerPool
	coord   *shutdown.Coordinator

	listener net.Listener

	mu       sync.Mutex
	handlers map[*conn.Handler]struct{}

	acceptWG sync.WaitGroup

	healthGRPC   *healthgrpc.Server
	healthPollWG sync.WaitGroup
	healthStopCh chan struct{}
}

// New constructs a Runtime. It does not start listening; call Start for
// that.
func New(cfg Config) *Runtime {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	var denylist session.Denylist
	if cfg.DenylistRedisAddr != "" {
		denylist = session.NewRedisDenylist(redis.NewClient(&redis.Options{Addr: cfg.DenylistRedisAddr}))
	}
	auth := session.New(cfg.SharedSecret, cfg.SessionTimeout, denylist)
	q := queue.New(cfg.MaxPending)
	be := backend.New(cfg.Backend)
	pool := modelpool.New(be, cfg.Pool)
	breakers := circuitbreaker.NewRegistry()
	engine := stream.New(pool, breakers, cfg.Stream)
	workers := newWorkerPool(q, engine, cfg.Workers)

	r := &Runtime{
		cfg:      cfg,
		be:       be,
		store:    cfg.ModelStore,
		auth:     auth,
		queue:    q,
		pool:     pool,
		engine:   engine,
		workers:  workers,
		handlers: make(map[*conn.Handler]struct{}),
	}
	r.coord = shutdown.New(auth, q, pool, r.softCancelAll)
	return r
}

// Start removes any stale socket file, binds the configured unix socket,
// launches the worker pool, and begins accepting connections. It returns
// once the listener is bound; Accept runs in its own goroutine.
func (r *Runtime) Start() error {
	if err := os.RemoveAll(r.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", r.cfg.SocketPath)
	if err != nil {
		return err
	}
	r.listener = ln

	r.workers.Start()

	r.acceptWG.Add(1)
	go r.acceptLoop()

	if r.cfg.HealthGRPCAddr != "" {
		hg, err := healthgrpc.New(r.cfg.HealthGRPCAddr)
		if err != nil {
			return fmt.Errorf("start health gRPC service: %w", err)
		}
		r.healthGRPC = hg
		r.healthGRPC.Start()
		r.healthStopCh = make(chan struct{})
		r.healthPollWG.Add(1)
		go r.pollHealthGRPC()
	}

	logging.Op().Info("spark daemon listening", "socket", r.cfg.SocketPath, "workers", r.cfg.Workers)
	return nil
}

// pollHealthGRPC periodically pushes a fresh health.Report into the
// optional gRPC health service so its serving-status reflects current
// pool/queue state rather than only the value computed at Start.
func (r *Runtime) pollHealthGRPC() {
	defer r.healthPollWG.Done()
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.healthGRPC.Update(r.healthReport())
		case <-r.healthStopCh:
			return
		}
	}
}

func (r *Runtime) acceptLoop() {
	defer r.acceptWG.Done()
	for {
		c, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Op().Warn("accept failed", "error", err)
			return
		}
		go r.serveConn(c)
	}
}

func (r *Runtime) serveConn(c net.Conn) {
	h := conn.New(c, r.auth, r.queue, r.healthReport, conn.Config{
		MaxFrameSize:       r.cfg.MaxFrameSize,
		MaxProtocolVersion: r.cfg.MaxProtocolVersion,
	})

	r.mu.Lock()
	r.handlers[h] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.handlers, h)
		r.mu.Unlock()
	}()

	if err := h.Serve(context.Background(), nil); err != nil {
		logging.Op().Debug("connection closed", "error", err)
	}
}

// healthReport implements conn.HealthFunc, computing a point-in-time
// snapshot from the pool, queue, and shutdown coordinator's current state.
func (r *Runtime) healthReport() health.Report {
	return health.Compute(
		r.coord.CurrentState(),
		r.pool.Count(),
		r.pool.MemoryUsed(),
		r.cfg.Pool.MaxMemoryBytes,
		r.queue.Depth(),
		r.cfg.MaxPending,
	)
}

// softCancelAll is the shutdown.SoftCanceller the coordinator invokes once,
// shortly before its drain deadline, to ask every live connection's
// in-flight requests to wind down voluntarily.
func (r *Runtime) softCancelAll() {
	r.mu.Lock()
	handlers := make([]*conn.Handler, 0, len(r.handlers))
	for h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h.CancelInFlight()
	}
}

// Shutdown drains the daemon gracefully: stop accepting new connections,
// delegate to the shutdown coordinator to drain in-flight work and unload
// the pool, then stop the worker pool and auth sweeper.
func (r *Runtime) Shutdown(ctx context.Context) shutdown.Result {
	if r.listener != nil {
		_ = r.listener.Close()
	}
	r.acceptWG.Wait()

	if r.healthGRPC != nil {
		close(r.healthStopCh)
		r.healthPollWG.Wait()
		r.healthGRPC.Stop()
	}

	result := r.coord.Initiate(ctx, r.cfg.ShutdownTimeout)

	r.workers.Stop()
	r.auth.Stop()
	metrics.SetModelsResident(r.pool.Count())

	logging.Op().Info("spark daemon shut down", "outcome", string(result.Outcome), "in_flight_at_exit", result.InFlightAtExit)
	return result
}

// PreloadModel loads modelID through the configured backend and inserts it
// into the pool at the given tier before the daemon starts accepting
// connections, so the first request against a registry-listed model never
// pays a cold-load penalty. When sourceURI names a remote artifact and a
// Store is configured, the artifact is staged onto local disk first.
func (r *Runtime) PreloadModel(ctx context.Context, modelID, sourceURI string, tier modelpool.Tier) error {
	if r.store != nil && modelstore.IsRemoteSource(sourceURI) {
		if _, err := r.store.Fetch(ctx, modelID, sourceURI); err != nil {
			return fmt.Errorf("stage model artifact: %w", err)
		}
	}

	handle, err := r.be.Load(ctx, modelID)
	if err != nil {
		return err
	}
	return r.pool.Preload(modelID, handle, tier, handle.MemoryUsage())
}

// Health exposes the current health snapshot for direct callers (e.g. a
// local CLI health subcommand bypassing the socket entirely is not
// supported; sparkctl always goes through the wire protocol, but cmd/spark
// itself may want this for a startup self-check).
func (r *Runtime) Health() health.Report {
	return r.healthReport()
}
