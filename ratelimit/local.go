package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalGate is a process-local Gate implementation: a read-mostly map from
// bucket name to bucket record, each bucket guarded by its own state so
// unrelated buckets never contend with each other.
type LocalGate struct {
	mu      sync.RWMutex
	buckets map[string]*localBucket
}

// NewLocalGate constructs an empty LocalGate. Buckets are created lazily on
// first Claim and are never evicted.
func NewLocalGate() *LocalGate {
	return &LocalGate{buckets: make(map[string]*localBucket)}
}

// localBucket holds one bucket's permit count, window capacity, and at most
// one active window timer. available/size/claimed are guarded by mu;
// notify is swapped and closed on every change so waiters parked on the old
// channel wake up and re-check available under mu.
type localBucket struct {
	mu        sync.Mutex
	available int64
	size      int64
	claimed   int64
	notify    chan struct{}

	timerActive bool
	timerReset  chan time.Time
}

func newLocalBucket() *localBucket {
	return &localBucket{
		available: 1,
		size:      1,
		notify:    make(chan struct{}),
	}
}

func (b *localBucket) addPermits(n int64) {
	if n == 0 {
		return
	}
	b.mu.Lock()
	b.available += n
	old := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

// bucketFor returns the bucket for name, creating it under a write lock if
// it doesn't exist yet.
func (g *LocalGate) bucketFor(name string) *localBucket {
	g.mu.RLock()
	b, ok := g.buckets[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.buckets[name]; ok {
		return b
	}
	b = newLocalBucket()
	g.buckets[name] = b
	return b
}

func (g *LocalGate) bucket(name string) (*localBucket, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.buckets[name]
	return b, ok
}

// Claim acquires one permit from bucket, creating it lazily if needed.
func (g *LocalGate) Claim(ctx context.Context, bucket string) error {
	b := g.bucketFor(bucket)
	for {
		b.mu.Lock()
		if b.available > 0 {
			b.available--
			b.claimed++
			b.mu.Unlock()
			return nil
		}
		wake := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Release returns a permit to bucket and, if info carries fresh knowledge,
// updates its window capacity and/or (re)arms its refill timer.
func (g *LocalGate) Release(ctx context.Context, bucket string, info Info) error {
	b, ok := g.bucket(bucket)
	if !ok {
		return ErrReleaseWithoutClaim
	}

	b.mu.Lock()
	if b.claimed <= 0 {
		b.mu.Unlock()
		return ErrReleaseWithoutClaim
	}
	b.claimed--

	if info.Limit != nil {
		newSize := int64(*info.Limit)
		diff := newSize - b.size
		b.size = newSize
		// A shrinking window never revokes permits already granted; only
		// future windows reflect the smaller capacity (spec Open Question
		// (a)).
		if diff > 0 {
			b.available += diff
		}
	}

	switch {
	case info.ResetsIn != nil:
		deadline := time.Now().Add(*info.ResetsIn)
		if b.timerActive {
			resetCh := b.timerReset
			b.mu.Unlock()
			sendDeadline(resetCh, deadline)
			g.wake(b)
			return nil
		}
		b.timerActive = true
		resetCh := make(chan time.Time, 1)
		b.timerReset = resetCh
		b.mu.Unlock()
		go g.runTimer(b, deadline, resetCh)
		// A capacity increase folded into this release is already
		// reflected in available; wake anyone parked so they see it
		// instead of waiting out the new timer.
		g.wake(b)
		return nil
	case !b.timerActive:
		b.mu.Unlock()
		b.addPermits(1)
		return nil
	default:
		// A timer is already running; it alone is responsible for the
		// next scheduled refill, but a capacity increase folded into
		// this release still needs its wakeup.
		b.mu.Unlock()
		g.wake(b)
		return nil
	}
}

// sendDeadline delivers the latest deadline to a running timer,
// discarding any deadline the timer hasn't consumed yet.
func sendDeadline(ch chan time.Time, deadline time.Time) {
	select {
	case ch <- deadline:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- deadline
	}
}

// runTimer waits until deadline (or a rescheduled deadline arrives on
// reset), then refills the bucket to its current window size and clears
// the timer slot.
func (g *LocalGate) runTimer(b *localBucket, deadline time.Time, reset chan time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case newDeadline := <-reset:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(time.Until(newDeadline))
		case <-timer.C:
			b.mu.Lock()
			size := b.size
			b.timerActive = false
			b.timerReset = nil
			b.mu.Unlock()
			b.addPermits(size)
			return
		}
	}
}

// wake nudges any goroutine parked in Claim to re-check availability,
// without changing the permit count. Release uses it on every path that
// does not go through addPermits, so a capacity increase folded into that
// release reaches goroutines parked on the old notify channel.
func (g *LocalGate) wake(b *localBucket) {
	b.mu.Lock()
	old := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(old)
}
