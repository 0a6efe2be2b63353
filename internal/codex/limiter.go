package codex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"codexproxy/internal/logging"
	"codexproxy/internal/metrics"
)

// busyMessage is returned when no slot frees within the queue timeout.
const busyMessage = "Codex worker pool is busy; timed out waiting for an available slot"

// Limiter bounds how many codex processes run at once.
type Limiter struct {
	mu           sync.RWMutex
	sem          *semaphore.Weighted
	maxParallel  int
	queueTimeout time.Duration
	inUse        atomic.Int64
	metrics      *metrics.Metrics
}

// Slot is one admission ticket. Release is safe to call more than once.
type Slot struct {
	sem     *semaphore.Weighted
	limiter *Limiter
	once    sync.Once
}

// NewLimiter creates a limiter admitting maxParallel (at least one) holders.
// A queueTimeout of zero waits until a slot frees or the context ends.
func NewLimiter(maxParallel int, queueTimeout time.Duration, m *metrics.Metrics) *Limiter {
	l := &Limiter{metrics: m}
	l.Configure(maxParallel, queueTimeout)
	return l
}

// Configure replaces the semaphore. Slots acquired before the call release
// to the semaphore they came from.
func (l *Limiter) Configure(maxParallel int, queueTimeout time.Duration) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if queueTimeout < 0 {
		queueTimeout = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sem = semaphore.NewWeighted(int64(maxParallel))
	l.maxParallel = maxParallel
	l.queueTimeout = queueTimeout
	logging.LimiterDebug("limiter configured: max_parallel=%d queue_timeout=%s", maxParallel, queueTimeout)
}

// MaxParallel returns the current admission limit.
func (l *Limiter) MaxParallel() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxParallel
}

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Acquire waits for a free slot.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	l.mu.RLock()
	sem, timeout := l.sem, l.queueTimeout
	l.mu.RUnlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCanceled, StatusUnclassified, ctx.Err(), "codex request canceled while queued: %v", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logging.LimiterWarn("no slot freed within %s (max_parallel=%d)", timeout, l.MaxParallel())
			l.metrics.QueueTimedOut()
			return nil, newError(KindQueueTimeout, StatusBusy, err, busyMessage)
		}
		return nil, newError(KindCanceled, StatusUnclassified, err, "codex request canceled while queued: %v", err)
	}

	l.inUse.Add(1)
	l.metrics.SlotAcquired()
	return &Slot{sem: sem, limiter: l}, nil
}

// Release returns the slot. Only the first call has an effect.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.sem.Release(1)
		s.limiter.inUse.Add(-1)
		s.limiter.metrics.SlotReleased()
	})
}
