// Package conn implements the per-connection handler: one goroutine per
// accepted socket, running the handshake-then-serve sequence and owning
// the request_id -> CancelHandle table that routes CancelRequest frames
// and connection teardown to the requests currently executing on behalf
// of this connection.
//
// # Design rationale
//
// The accept loop spawns one goroutine per net.Conn, which loops reading
// length-prefixed frames until a read error; internal/wire.FrameCodec
// owns the length-prefix framing itself.
//
// # Cyclic ownership
//
// The connection owns its in-flight requests' cancel channels; a request
// executing on a worker goroutine (see internal/runtime) only holds a
// channel, never a pointer back into Handler, so a dropped connection can
// tear down independently of whichever worker is mid-generation for it.
package conn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritas/spark/internal/health"
	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/queue"
	"github.com/veritas/spark/internal/session"
	"github.com/veritas/spark/internal/wire"
)

// ProtocolVersionV1 is the first and, so far, only supported protocol
// version. A handshake omitting protocol_version defaults to this value.
const ProtocolVersionV1 = 1

// connDrainGrace bounds how long Close waits for in-flight requests to
// flush their terminal frame after being cancelled, mirroring the
// inflight-WaitGroup-with-timeout pattern used for graceful teardown.
const connDrainGrace = 2 * time.Second

const (
	kindProtocolViolation = "protocol_violation"
	kindAuthFailed        = "auth_failed"
)

// HealthFunc produces a point-in-time health report; set once by the
// runtime that wires together session, queue, and modelpool state.
type HealthFunc func() health.Report

// Config configures a Handler.
type Config struct {
	MaxFrameSize       int
	MaxProtocolVersion int
}

// cancelHandle carries both cancellation signals a request can need: req
// is set so a request still sitting in the admission queue has its
// cancel flag set (popReadyLocked then skips it and fires its Notify with
// ErrCancelled), and ch is closed so a request already dispatched to a
// worker and mid-generation has its CancelCh observed by the streaming
// engine. Both are safe to fire regardless of which state the request is
// actually in: setting the flag on an already-dispatched request is a
// no-op, and closing the channel on a still-queued request has no reader
// yet.
type cancelHandle struct {
	ch   chan struct{}
	req  *queue.Request
	once sync.Once
}

func (h *cancelHandle) cancel() {
	h.once.Do(func() {
		if h.req != nil {
			h.req.Cancel()
		}
		close(h.ch)
	})
}

// Handler serves one accepted connection from handshake through teardown.
type Handler struct {
	id     string
	conn   net.Conn
	codec  *wire.FrameCodec
	auth   *session.Authenticator
	queue  *queue.Queue
	health HealthFunc
	cfg    Config

	writeMu sync.Mutex

	mu       sync.Mutex
	inFlight map[uint64]*cancelHandle
	reqWG    sync.WaitGroup
}

// New constructs a Handler for an already-accepted connection.
func New(c net.Conn, auth *session.Authenticator, q *queue.Queue, healthFn HealthFunc, cfg Config) *Handler {
	if cfg.MaxProtocolVersion == 0 {
		cfg.MaxProtocolVersion = ProtocolVersionV1
	}
	return &Handler{
		id:       uuid.NewString(),
		conn:     c,
		codec:    wire.NewFrameCodec(c, cfg.MaxFrameSize),
		auth:     auth,
		queue:    q,
		health:   healthFn,
		cfg:      cfg,
		inFlight: make(map[uint64]*cancelHandle),
	}
}

// Serve runs the handler's full lifecycle: handshake, then the read-
// dispatch loop, until a read error, protocol violation, or one of ctx /
// shutdownCh fires. It always closes the underlying connection before
// returning.
func (h *Handler) Serve(ctx context.Context, shutdownCh <-chan struct{}) error {
	defer h.conn.Close()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCh:
		case <-watchDone:
			return
		}
		h.conn.Close()
	}()

	sess, err := h.handshake()
	if err != nil {
		return err
	}
	defer h.auth.Close(sess.ID)
	defer h.cancelAll()

	for {
		msg, err := h.codec.ReadMessage()
		if err != nil {
			logging.Op().Debug("connection read ended", "conn_id", h.id, "error", err)
			return err
		}

		switch msg.Type {
		case wire.TypeInferenceRequest:
			h.dispatchInference(sess, msg)
		case wire.TypeCancelRequest:
			h.cancelRequest(msg.RequestID)
		case wire.TypeHealthCheck:
			h.respondHealth(msg)
		default:
			_ = h.writeMessage(&wire.Message{
				Type: wire.TypeError,
				Err:  &wire.ErrorInfo{Kind: kindProtocolViolation, Message: "unexpected frame type in serving loop"},
			})
		}
	}
}

func (h *Handler) handshake() (*session.Session, error) {
	msg, err := h.codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.TypeHandshake {
		_ = h.writeMessage(&wire.Message{
			Type: wire.TypeError,
			Err:  &wire.ErrorInfo{Kind: kindProtocolViolation, Message: "first frame must be handshake"},
		})
		return nil, wire.ErrProtocolViolation
	}

	sess, err := h.auth.Authenticate(msg.AuthToken, h.id)
	if err != nil {
		_ = h.writeMessage(&wire.Message{
			Type: wire.TypeError,
			Err:  &wire.ErrorInfo{Kind: kindAuthFailed, Message: err.Error()},
		})
		return nil, err
	}

	requested := msg.ProtocolVersion
	if requested == 0 {
		requested = ProtocolVersionV1
	}
	version := requested
	if version > h.cfg.MaxProtocolVersion {
		version = h.cfg.MaxProtocolVersion
	}

	if err := h.writeMessage(&wire.Message{
		Type:            wire.TypeHandshakeAck,
		SessionID:       sess.ID,
		ProtocolVersion: version,
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// dispatchInference admits req through the priority queue and, on
// success, registers its cancel handle so a later CancelRequest or
// connection teardown can reach it. Admission failures (overloaded,
// invalid params, shutting down) are reported as an immediate Error frame
// since the request never entered the system.
func (h *Handler) dispatchInference(sess *session.Session, msg *wire.Message) {
	req := &queue.Request{
		SessionID:    sess.ID,
		ModelID:      msg.ModelID,
		PromptTokens: msg.PromptTokens,
		Priority:     parsePriority(""),
		CancelCh:     make(chan struct{}),
	}
	if msg.Parameters != nil {
		req.Params = *msg.Parameters
		req.Priority = parsePriority(msg.Parameters.Priority)
	}
	req.Emit = h.emit
	req.Notify = func(err error) { h.emitTerminalError(req.ID, err) }

	h.reqWG.Add(1)
	id, err := h.queue.Push(req)
	if err != nil {
		h.reqWG.Done()
		_ = h.writeMessage(&wire.Message{
			Type: wire.TypeError,
			Err:  &wire.ErrorInfo{Kind: admissionErrorKind(err), Message: err.Error()},
		})
		return
	}

	h.mu.Lock()
	h.inFlight[id] = &cancelHandle{ch: req.CancelCh, req: req}
	h.mu.Unlock()
}

// CancelInFlight fires the cancel signal for every request currently
// executing on this connection without waiting for their terminal frames,
// so the shutdown coordinator's soft-cancel step can ask every connection
// to wind down without blocking on any one of them.
func (h *Handler) CancelInFlight() {
	h.mu.Lock()
	handles := make([]*cancelHandle, 0, len(h.inFlight))
	for _, handle := range h.inFlight {
		handles = append(handles, handle)
	}
	h.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}
}

func (h *Handler) cancelRequest(requestID uint64) {
	h.mu.Lock()
	handle, ok := h.inFlight[requestID]
	h.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

func (h *Handler) respondHealth(msg *wire.Message) {
	if h.health == nil {
		return
	}
	r := h.health()
	_ = h.writeMessage(&wire.Message{
		Type: wire.TypeHealthReport,
		Report: &wire.HealthReportPayload{
			State:             r.State,
			Alive:             r.Alive,
			Ready:             r.Ready,
			AcceptingRequests: r.AcceptingRequests,
			ModelsLoaded:      r.ModelsLoaded,
			QueueDepth:        r.QueueDepth,
			MemoryUsedBytes:   r.MemoryUsedBytes,
		},
	})
}

// emit is the shared Emit passed to every request dispatched on this
// connection. It serializes writes behind writeMu and, once a request's
// terminal frame has gone out, removes its entry from the in-flight table
// and releases the drain WaitGroup.
func (h *Handler) emit(msg *wire.Message) error {
	err := h.writeMessage(msg)
	if isTerminal(msg) {
		h.finishRequest(msg.RequestID)
	}
	return err
}

// emitTerminalError synthesizes the terminal Error frame for a request the
// queue skipped without ever dispatching it to a worker — cancelled while
// still queued, or its timeout elapsed before a worker popped it. It is
// the Notify callback wired into every queue.Request so the queue, which
// cannot reach the connection directly, still gets its terminal frame
// written and its in-flight bookkeeping released exactly once.
func (h *Handler) emitTerminalError(requestID uint64, err error) {
	kind := "cancelled"
	if errors.Is(err, wire.ErrTimeout) {
		kind = "timeout"
	}
	_ = h.emit(&wire.Message{
		Type:      wire.TypeError,
		RequestID: requestID,
		Err:       &wire.ErrorInfo{Kind: kind, Message: err.Error()},
	})
}

func (h *Handler) finishRequest(requestID uint64) {
	h.mu.Lock()
	_, ok := h.inFlight[requestID]
	delete(h.inFlight, requestID)
	h.mu.Unlock()
	if ok {
		h.reqWG.Done()
	}
}

func isTerminal(msg *wire.Message) bool {
	switch msg.Type {
	case wire.TypeInferenceResponse, wire.TypeError:
		return true
	case wire.TypeStreamChunk:
		return msg.Final
	default:
		return false
	}
}

func (h *Handler) writeMessage(msg *wire.Message) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.codec.WriteMessage(msg)
}

// cancelAll fires the cancel signal for every request still in flight on
// this connection and waits up to connDrainGrace for their terminal
// frames to flush, so a client sees a clean Cancelled/Error frame rather
// than a bare connection drop whenever the backend can respond in time.
func (h *Handler) cancelAll() {
	h.CancelInFlight()

	done := make(chan struct{})
	go func() {
		h.reqWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(connDrainGrace):
		logging.Op().Warn("connection drain grace elapsed with requests still in flight", "conn_id", h.id)
	}
}

func admissionErrorKind(err error) string {
	switch {
	case errors.Is(err, wire.ErrOverloaded):
		return "overloaded"
	case errors.Is(err, wire.ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, wire.ErrShuttingDown):
		return "shutting_down"
	default:
		return "admission_failed"
	}
}

func parsePriority(s string) wire.Priority {
	switch s {
	case "critical":
		return wire.Critical
	case "high":
		return wire.High
	case "low":
		return wire.Low
	default:
		return wire.Normal
	}
}
