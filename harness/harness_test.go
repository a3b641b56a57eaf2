package harness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectacles/proxy/bus"
)

// fakeHandler records each call's correlation id and, when block is set,
// waits for either block to close or ctx to be cancelled before returning
// — standing in for a real handler that respects ctx cancellation.
type fakeHandler struct {
	mu      sync.Mutex
	started []string
	cancel  []bool
	block   chan struct{}
}

func (f *fakeHandler) Handle(ctx context.Context, msg *bus.Message) {
	f.mu.Lock()
	f.started = append(f.started, msg.CorrelationID)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.cancel = append(f.cancel, ctx.Err() != nil)
	f.mu.Unlock()
}

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func TestHandleMessageRunsHandlerAndClears(t *testing.T) {
	handler := &fakeHandler{}
	h := New(handler, func([]byte) error { return nil }, nil)

	msg := bus.NewMessageForTest([]byte("x"), "", nil)
	h.HandleMessage(context.Background(), msg)

	require.Eventually(t, func() bool { return h.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, handler.count())
}

func TestCancelStopsInFlightTask(t *testing.T) {
	handler := &fakeHandler{block: make(chan struct{})}
	h := New(handler, func([]byte) error { return nil }, nil)

	msg := bus.NewMessageForTest([]byte("x"), "", nil)
	msg.CorrelationID = "abc"
	h.HandleMessage(context.Background(), msg)

	require.Eventually(t, func() bool { return h.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	h.Cancel("abc")

	require.Eventually(t, func() bool { return h.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.cancel, 1)
	assert.True(t, handler.cancel[0])
}

func TestHandleCancellationIgnoresMalformedPayload(t *testing.T) {
	handler := &fakeHandler{block: make(chan struct{})}
	h := New(handler, func([]byte) error { return nil }, nil)

	msg := bus.NewMessageForTest([]byte("x"), "", nil)
	msg.CorrelationID = "abc"
	h.HandleMessage(context.Background(), msg)
	require.Eventually(t, func() bool { return h.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	h.HandleCancellation([]byte{0xff, 0xfe})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.InFlight(), "malformed payload must not cancel anything")

	h.HandleCancellation([]byte("abc"))
	require.Eventually(t, func() bool { return h.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownRepublishesInFlightAndWaits(t *testing.T) {
	handler := &fakeHandler{block: make(chan struct{})}
	var republished [][]byte
	var mu sync.Mutex
	h := New(handler, func(data []byte) error {
		mu.Lock()
		republished = append(republished, data)
		mu.Unlock()
		return nil
	}, nil)

	msg := bus.NewMessageForTest([]byte("payload"), "", nil)
	msg.CorrelationID = "xyz"
	h.HandleMessage(context.Background(), msg)
	require.Eventually(t, func() bool { return h.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, republished, 1)
	assert.Equal(t, []byte("payload"), republished[0])
}

func TestHandleMessageAfterShutdownRepublishesInsteadOfRunning(t *testing.T) {
	handler := &fakeHandler{}
	var republished [][]byte
	var mu sync.Mutex
	h := New(handler, func(data []byte) error {
		mu.Lock()
		republished = append(republished, data)
		mu.Unlock()
		return nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	h.Shutdown(ctx)
	cancel()

	msg := bus.NewMessageForTest([]byte("late"), "", nil)
	h.HandleMessage(context.Background(), msg)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, republished, 1)
	assert.Equal(t, 0, handler.count())
}

func TestHandleMessageAppliesTimeoutAtDeadline(t *testing.T) {
	handler := &fakeHandler{block: make(chan struct{})}
	h := New(handler, func([]byte) error { return nil }, nil)

	deadline := time.Now().Add(20 * time.Millisecond)
	msg := bus.NewMessageForTest([]byte("x"), "", nil)
	msg.TimeoutAt = &deadline

	start := time.Now()
	h.HandleMessage(context.Background(), msg)
	require.Eventually(t, func() bool { return h.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.cancel, 1)
	assert.True(t, handler.cancel[0])
}
