// Package stream implements the streaming generation engine: the part of
// the request lifecycle that drives a backend handle from a dispatched
// request through to its terminal frame.
//
// # State machine
//
// Dispatched → Generating → (EmittingFinal | EmittingError) → Done. Once a
// request reaches Done no further frames are written for it; Run enforces
// this by returning as soon as one of the two terminal branches completes.
//
// # Backpressure
//
// Frames are handed to the caller-supplied emit function, which the
// connection handler backs with a per-connection write mutex. If emit
// blocks, generation pauses with it — there is no internal buffering here,
// by design: the producer (this engine) and the writer share one
// synchronization point.
package stream

import (
	"context"
	"time"

	"github.com/veritas/spark/internal/backend"
	"github.com/veritas/spark/internal/circuitbreaker"
	"github.com/veritas/spark/internal/logging"
	"github.com/veritas/spark/internal/metrics"
	"github.com/veritas/spark/internal/modelpool"
	"github.com/veritas/spark/internal/observability"
	"github.com/veritas/spark/internal/queue"
	"github.com/veritas/spark/internal/wire"
)

// phase is the engine's internal state for one request.
type phase int

const (
	phaseDispatched phase = iota
	phaseGenerating
	phaseEmittingFinal
	phaseEmittingError
	phaseDone
)

// Emit writes one wire.Message for the request's connection. Implementations
// must serialize concurrent calls (one per connection, shared across all of
// that connection's in-flight requests) and flush after every terminal
// frame.
type Emit func(msg *wire.Message) error

// Engine drives dispatched requests to completion against the model pool.
type Engine struct {
	pool           *modelpool.Pool
	breakers       *circuitbreaker.Registry
	breakerCfg     circuitbreaker.Config
	maxContextLen  int
	defaultTier    modelpool.Tier
}

// Config configures an Engine.
type Config struct {
	MaxContextLength int
	Breaker          circuitbreaker.Config
	DefaultTier      modelpool.Tier
}

// New constructs an Engine backed by pool.
func New(pool *modelpool.Pool, breakers *circuitbreaker.Registry, cfg Config) *Engine {
	return &Engine{
		pool:          pool,
		breakers:      breakers,
		breakerCfg:    cfg.Breaker,
		maxContextLen: cfg.MaxContextLength,
		defaultTier:   cfg.DefaultTier,
	}
}

// Run drives req to completion, emitting InferenceResponse (non-streaming),
// StreamChunk frames (streaming), or a terminal Error frame. cancel is
// closed by the connection handler when it receives a matching
// CancelRequest or the connection is dropped; Run always returns promptly
// after cancel fires. The request's timeout_ms is enforced inside Run
// through a context deadline on ctx.
func (e *Engine) Run(ctx context.Context, req *queue.Request, cancel <-chan struct{}, emit Emit) error {
	ph := phaseDispatched
	start := time.Now()

	spanCtx, span := observability.StartSpan(ctx, "stream.generate")
	defer span.End()

	if req.Params.TimeoutMs > 0 {
		var cancelTimeout context.CancelFunc
		spanCtx, cancelTimeout = context.WithTimeout(spanCtx, time.Duration(req.Params.TimeoutMs)*time.Millisecond)
		defer cancelTimeout()
	}

	ph = phaseGenerating

	if err := req.Params.Validate(); err != nil {
		observability.SetSpanError(span, err)
		return e.terminateError(&ph, emit, req.ID, "invalid_params", err.Error(), 0, 0)
	}
	if e.maxContextLen > 0 && len(req.PromptTokens) > e.maxContextLen {
		observability.SetSpanError(span, wire.ErrContextExceeded)
		return e.terminateError(&ph, emit, req.ID, "context_exceeded", wire.ErrContextExceeded.Error(), e.maxContextLen, len(req.PromptTokens))
	}

	breaker := e.breakerForModel(req.ModelID)
	if breaker != nil && !breaker.Allow() {
		observability.SetSpanError(span, wire.ErrBackendFailure)
		return e.terminateError(&ph, emit, req.ID, "circuit_open", "model circuit breaker is open", 0, 0)
	}

	switchResult, err := e.pool.SwitchTo(spanCtx, req.ModelID, e.defaultTier)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		observability.SetSpanError(span, err)
		return e.terminateError(&ph, emit, req.ID, "backend_failure", err.Error(), 0, 0)
	}
	guard, err := e.pool.Acquire(req.ModelID)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		observability.SetSpanError(span, err)
		return e.terminateError(&ph, emit, req.ID, "model_not_loaded", err.Error(), 0, 0)
	}
	defer guard.Release()

	if !switchResult.WasWarmed {
		modelID := req.ModelID
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Op().Error("recovered panic marking model warmed", "panic", r)
				}
			}()
			e.pool.MarkWarmed(modelID)
		}()
	}

	cfg := backend.GenerateConfig{
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		TopK:        req.Params.TopK,
	}

	var runErr error
	var cancelled bool
	if req.Params.Stream {
		cancelled, runErr = e.runStreaming(spanCtx, &ph, req, switchResult.Handle, cfg, cancel, emit)
	} else {
		cancelled, runErr = e.runSingleShot(spanCtx, &ph, req, switchResult.Handle, cfg, cancel, emit)
	}

	durationMs := time.Since(start).Milliseconds()
	success := runErr == nil
	if breaker != nil {
		if success {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
	}
	if runErr != nil {
		observability.SetSpanError(span, runErr)
	} else {
		observability.SetSpanOK(span)
	}
	metrics.Global().RecordRequestWithDetails(req.ModelID, durationMs, !switchResult.WasPreloaded, success, cancelled)

	ph = phaseDone
	return runErr
}

func (e *Engine) breakerForModel(modelID string) *circuitbreaker.Breaker {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.Get(modelID, e.breakerCfg)
}

func (e *Engine) runSingleShot(ctx context.Context, ph *phase, req *queue.Request, handle backend.Handle, cfg backend.GenerateConfig, cancel <-chan struct{}, emit Emit) (cancelled bool, err error) {
	if ctx.Err() != nil {
		*ph = phaseEmittingError
		e.emitFlushed(emit, &wire.Message{
			Type:      wire.TypeError,
			RequestID: req.ID,
			Err:       &wire.ErrorInfo{Kind: "timeout", Message: wire.ErrTimeout.Error()},
		})
		*ph = phaseDone
		return false, wire.ErrTimeout
	}

	resultCh := make(chan struct {
		result backend.GenerateResult
		err    error
	}, 1)

	go func() {
		r, err := handle.Generate(ctx, req.PromptTokens, cfg)
		resultCh <- struct {
			result backend.GenerateResult
			err    error
		}{r, err}
	}()

	select {
	case <-cancel:
		*ph = phaseEmittingError
		e.emitFlushed(emit, &wire.Message{
			Type:      wire.TypeError,
			RequestID: req.ID,
			Err:       &wire.ErrorInfo{Kind: "cancelled", Message: wire.ErrCancelled.Error()},
		})
		*ph = phaseDone
		return true, wire.ErrCancelled
	case <-ctx.Done():
		*ph = phaseEmittingError
		e.emitFlushed(emit, &wire.Message{
			Type:      wire.TypeError,
			RequestID: req.ID,
			Err:       &wire.ErrorInfo{Kind: "timeout", Message: wire.ErrTimeout.Error()},
		})
		*ph = phaseDone
		return false, wire.ErrTimeout
	case res := <-resultCh:
		if res.err != nil {
			*ph = phaseEmittingError
			e.emitFlushed(emit, &wire.Message{
				Type:      wire.TypeError,
				RequestID: req.ID,
				Err:       &wire.ErrorInfo{Kind: "backend_failure", Message: res.err.Error()},
			})
			*ph = phaseDone
			return false, res.err
		}
		*ph = phaseEmittingFinal
		tokens := res.result.Tokens
		err := e.emitFlushed(emit, &wire.Message{
			Type:      wire.TypeInferenceResponse,
			RequestID: req.ID,
			Tokens:    tokens,
			Finished:  res.result.Finished,
		})
		*ph = phaseDone
		return false, err
	}
}

func (e *Engine) runStreaming(ctx context.Context, ph *phase, req *queue.Request, handle backend.Handle, cfg backend.GenerateConfig, cancel <-chan struct{}, emit Emit) (cancelled bool, err error) {
	if ctx.Err() != nil {
		*ph = phaseEmittingError
		e.emitFlushed(emit, &wire.Message{
			Type:      wire.TypeError,
			RequestID: req.ID,
			Err:       &wire.ErrorInfo{Kind: "timeout", Message: wire.ErrTimeout.Error()},
		})
		*ph = phaseDone
		return false, wire.ErrTimeout
	}

	backendCancel := make(chan struct{})
	events, startErr := handle.GenerateStream(ctx, req.PromptTokens, cfg, backendCancel)
	if startErr != nil {
		*ph = phaseEmittingError
		e.emitFlushed(emit, &wire.Message{
			Type:      wire.TypeError,
			RequestID: req.ID,
			Err:       &wire.ErrorInfo{Kind: "backend_failure", Message: startErr.Error()},
		})
		*ph = phaseDone
		return false, startErr
	}

	for {
		select {
		case <-cancel:
			close(backendCancel)
			e.drainAfterCancel(events)
			*ph = phaseEmittingError
			e.emitFlushed(emit, &wire.Message{
				Type:      wire.TypeError,
				RequestID: req.ID,
				Err:       &wire.ErrorInfo{Kind: "cancelled", Message: wire.ErrCancelled.Error()},
			})
			*ph = phaseDone
			return true, wire.ErrCancelled
		case <-ctx.Done():
			close(backendCancel)
			e.drainAfterCancel(events)
			*ph = phaseEmittingError
			e.emitFlushed(emit, &wire.Message{
				Type:      wire.TypeError,
				RequestID: req.ID,
				Err:       &wire.ErrorInfo{Kind: "timeout", Message: wire.ErrTimeout.Error()},
			})
			*ph = phaseDone
			return false, wire.ErrTimeout
		case ev, ok := <-events:
			if !ok {
				*ph = phaseEmittingFinal
				err := e.emitFlushed(emit, &wire.Message{Type: wire.TypeStreamChunk, RequestID: req.ID, Final: true})
				*ph = phaseDone
				return false, err
			}
			if ev.Err != nil {
				*ph = phaseEmittingError
				e.emitFlushed(emit, &wire.Message{
					Type:      wire.TypeError,
					RequestID: req.ID,
					Err:       &wire.ErrorInfo{Kind: "backend_failure", Message: ev.Err.Error()},
				})
				*ph = phaseDone
				return false, ev.Err
			}
			if ev.Final {
				*ph = phaseEmittingFinal
				err := e.emitFlushed(emit, &wire.Message{Type: wire.TypeStreamChunk, RequestID: req.ID, Final: true})
				*ph = phaseDone
				return false, err
			}
			if err := emit(&wire.Message{Type: wire.TypeStreamChunk, RequestID: req.ID, Token: ev.Token}); err != nil {
				close(backendCancel)
				e.drainAfterCancel(events)
				*ph = phaseDone
				return false, err
			}
		}
	}
}

// drainAfterCancel consumes any in-flight events until the backend's
// generator goroutine observes the cancel signal and closes its channel,
// so that goroutine never blocks forever trying to send.
func (e *Engine) drainAfterCancel(events <-chan backend.TokenEvent) {
	for range events {
	}
}

func (e *Engine) emitFlushed(emit Emit, msg *wire.Message) error {
	return emit(msg)
}

func (e *Engine) terminateError(ph *phase, emit Emit, requestID uint64, kind, message string, max, got int) error {
	*ph = phaseEmittingError
	err := emit(&wire.Message{
		Type:      wire.TypeError,
		RequestID: requestID,
		Err:       &wire.ErrorInfo{Kind: kind, Message: message, Max: max, Got: got},
	})
	*ph = phaseDone
	if err != nil {
		return err
	}
	switch kind {
	case "invalid_params":
		return wire.ErrInvalidParams
	case "context_exceeded":
		return wire.ErrContextExceeded
	default:
		return wire.ErrBackendFailure
	}
}
