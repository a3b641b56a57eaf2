// Package harness drives per-message task spawning, timeout application,
// correlation-id-keyed cancellation, and graceful shutdown drain on top of
// whatever Handler executes a single decoded bus message.
package harness

import (
	"context"
	"sync"

	"github.com/spectacles/proxy/bus"
	"github.com/spectacles/proxy/logger"
)

// Handler executes one decoded bus message to completion, replying (or
// not, if ctx is cancelled first) on its own.
type Handler interface {
	Handle(ctx context.Context, msg *bus.Message)
}

type inflight struct {
	cancel context.CancelFunc
	data   []byte
}

// Harness owns the in-flight task map and the shutdown/drain sequence. It
// does not itself subscribe to anything — the caller wires HandleMessage
// and HandleCancellation to its bus subscriptions.
type Harness struct {
	handler   Handler
	republish func([]byte) error
	log       *logger.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
	draining bool
	wg       sync.WaitGroup
}

// New constructs a Harness. republish is called with a still-running
// task's message body during shutdown, to hand it back to another worker.
func New(handler Handler, republish func([]byte) error, log *logger.Logger) *Harness {
	if log == nil {
		log = logger.Default()
	}
	return &Harness{
		handler:   handler,
		republish: republish,
		log:       log,
		inflight:  make(map[string]*inflight),
	}
}

// InFlight reports the number of tasks currently running, for health/debug
// reporting.
func (h *Harness) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}

// HandleMessage spawns an independent task running the handler for msg
// and returns immediately. If shutdown has begun, the message is
// republished instead of handled.
func (h *Harness) HandleMessage(parent context.Context, msg *bus.Message) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		h.republishOne(msg.Data)
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if msg.TimeoutAt != nil {
		ctx, cancel = context.WithDeadline(parent, *msg.TimeoutAt)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	key := msg.CorrelationID
	rec := &inflight{cancel: cancel, data: msg.Data}
	if key != "" {
		h.inflight[key] = rec
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer cancel()
		defer h.clear(key, rec)
		h.handler.Handle(ctx, msg)
	}()
}

func (h *Harness) clear(key string, rec *inflight) {
	if key == "" {
		return
	}
	h.mu.Lock()
	if h.inflight[key] == rec {
		delete(h.inflight, key)
	}
	h.mu.Unlock()
}

// Cancel signals the in-flight task for correlationID, if any, to abandon
// its work. The task's handler observes its context done and returns
// without replying.
func (h *Harness) Cancel(correlationID string) {
	h.mu.Lock()
	rec, ok := h.inflight[correlationID]
	h.mu.Unlock()
	if ok {
		rec.cancel()
	}
}

// HandleCancellation validates a raw cancellation payload and, if it is
// well-formed UTF-8, cancels the matching task. Malformed payloads are
// logged and dropped, never forwarded to Cancel.
func (h *Harness) HandleCancellation(data []byte) {
	id, ok := bus.ParseCorrelationID(data)
	if !ok {
		h.log.Warn("harness.cancellation_malformed", "bytes", len(data))
		return
	}
	h.Cancel(id)
}

func (h *Harness) republishOne(data []byte) {
	if h.republish == nil {
		return
	}
	if err := h.republish(data); err != nil {
		h.log.Warn("harness.republish_failed", "error", err)
	}
}

// Shutdown stops accepting new messages, republishes the body of every
// still-running task, cancels them, and waits (bounded by ctx) for them
// to unwind.
func (h *Harness) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.draining = true
	pending := make([]*inflight, 0, len(h.inflight))
	for _, rec := range h.inflight {
		pending = append(pending, rec)
	}
	h.mu.Unlock()

	for _, rec := range pending {
		h.republishOne(rec.data)
		rec.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.log.Warn("harness.shutdown_timed_out", "pending", len(pending))
	}
}
