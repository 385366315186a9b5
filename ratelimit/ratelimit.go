// Package ratelimit bounds calls to reasoning backends. Every stage handler
// that talks to a provider acquires a token first, so a burst of redelivered
// envelopes after a rebalance cannot stampede the provider into throttling
// the whole worker.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// Limiter coordinates call budgets for shared backends.
type Limiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if the context ends first, and
	// ErrResourceUnknown if the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire attempts to acquire a token without blocking.
	TryAcquire(resource string) bool

	// Release returns a token, for semaphore-style in-flight tracking.
	Release(resource string)

	// SetCapacity configures tokens per refill window for a resource.
	SetCapacity(resource string, capacity int, window time.Duration)

	// Throttled records that the backend pushed back (e.g. a 429). The
	// limiter shrinks the resource's capacity until SetCapacity resets it.
	Throttled(resource string)

	// Snapshot returns current capacity info, or nil if unknown.
	Snapshot(resource string) *Capacity

	// Close shuts down the limiter and wakes all waiters.
	Close() error
}

// Capacity describes the limit state for a resource.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
	InFlight  int
}

// bucket is a token bucket with time-based refill.
type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
	inFlight   int
	cond       *sync.Cond
}

// refill adds tokens proportional to elapsed time. Returns true if any were added.
func (b *bucket) refill(now time.Time) bool {
	if b.window == 0 || b.capacity == 0 {
		return false
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return false
	}
	add := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if add <= 0 {
		return false
	}
	b.available += add
	if b.available > b.capacity {
		b.available = b.capacity
	}
	b.lastRefill = now
	return true
}

// MemoryLimiter provides local rate limiting using token buckets.
// Safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time // for testing
}

// NewMemoryLimiter creates a new in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

// SetCapacity configures the rate limit for a resource. Zero or negative
// capacity removes the limit entry entirely.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	if b, ok := m.buckets[resource]; ok {
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
		if b.cond != nil {
			b.cond.Broadcast()
		}
		return
	}
	m.buckets[resource] = &bucket{
		capacity:   capacity,
		available:  capacity, // start full
		window:     window,
		lastRefill: m.nowFunc(),
	}
}

// Snapshot returns the current capacity info for a resource.
func (m *MemoryLimiter) Snapshot(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(m.nowFunc())
	return &Capacity{
		Resource:  resource,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
		InFlight:  b.inFlight,
	}
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	if m.TryAcquire(resource) {
		return nil
	}

	// Wake the condition wait when the context ends.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if b, ok := m.buckets[resource]; ok && b.cond != nil {
				b.cond.Broadcast()
			}
			m.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		return ErrResourceUnknown
	}
	if b.cond == nil {
		b.cond = sync.NewCond(&m.mu)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.closed {
			return ErrClosed
		}
		b, ok = m.buckets[resource]
		if !ok {
			return ErrResourceUnknown
		}

		b.refill(m.nowFunc())
		if b.available > 0 {
			b.available--
			b.inFlight++
			return nil
		}

		// Re-check periodically so time-based refills are noticed even
		// with no Release traffic.
		go func() {
			time.Sleep(50 * time.Millisecond)
			m.mu.Lock()
			if b.cond != nil {
				b.cond.Broadcast()
			}
			m.mu.Unlock()
		}()
		b.cond.Wait()
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	b, ok := m.buckets[resource]
	if !ok {
		return false
	}
	b.refill(m.nowFunc())
	if b.available > 0 {
		b.available--
		b.inFlight++
		return true
	}
	return false
}

// Release returns a token to the resource bucket.
func (m *MemoryLimiter) Release(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}
	if b.available < b.capacity {
		b.available++
	}
	if b.cond != nil {
		b.cond.Signal()
	}
}

// Throttled shrinks a resource's capacity by a quarter, to a floor of one
// token. The next SetCapacity call restores the configured limit.
func (m *MemoryLimiter) Throttled(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	reduced := int(float64(b.capacity) * 0.75)
	if reduced < 1 {
		reduced = 1
	}
	b.capacity = reduced
	if b.available > reduced {
		b.available = reduced
	}
}

// Close shuts down the limiter and wakes all waiters.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	for _, b := range m.buckets {
		if b.cond != nil {
			b.cond.Broadcast()
		}
	}
	return nil
}

// Ensure MemoryLimiter implements Limiter.
var _ Limiter = (*MemoryLimiter)(nil)
