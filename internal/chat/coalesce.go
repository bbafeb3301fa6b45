package chat

import (
	"sync"
	"time"

	"broker-chat-server/internal/clock"
)

// Coalescer merges bursts of partial updates per key and hands one
// merged value to flush once the key has been quiet for the interval.
type Coalescer[K comparable, V any] struct {
	clock    clock.Clock
	interval time.Duration
	merge    func(prev, next V) V
	flush    func(key K, v V)

	mu      sync.Mutex
	pending map[K]*pendingWrite[V]
	closed  bool
}

type pendingWrite[V any] struct {
	value V
	timer clock.Timer
	gen   uint64
}

func NewCoalescer[K comparable, V any](c clock.Clock, interval time.Duration, merge func(prev, next V) V, flush func(K, V)) *Coalescer[K, V] {
	return &Coalescer[K, V]{
		clock:    c,
		interval: interval,
		merge:    merge,
		flush:    flush,
		pending:  make(map[K]*pendingWrite[V]),
	}
}

// Submit queues v for key, restarting the key's quiet period. After
// Close, Submit flushes immediately.
func (c *Coalescer[K, V]) Submit(key K, v V) {
	c.mu.Lock()
	if c.closed || c.interval <= 0 {
		c.mu.Unlock()
		c.flush(key, v)
		return
	}
	p, ok := c.pending[key]
	if ok {
		p.timer.Stop()
		p.value = c.merge(p.value, v)
	} else {
		p = &pendingWrite[V]{value: v}
		c.pending[key] = p
	}
	p.gen++
	gen := p.gen
	p.timer = c.clock.AfterFunc(c.interval, func() { c.fire(key, p, gen) })
	c.mu.Unlock()
}

func (c *Coalescer[K, V]) fire(key K, p *pendingWrite[V], gen uint64) {
	c.mu.Lock()
	if c.pending[key] != p || p.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	v := p.value
	c.mu.Unlock()

	c.flush(key, v)
}

// Flush writes key's pending value now, if any.
func (c *Coalescer[K, V]) Flush(key K) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		p.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok {
		c.flush(key, p.value)
	}
}

// Pending reports how many keys have an unflushed value.
func (c *Coalescer[K, V]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close flushes everything still pending.
func (c *Coalescer[K, V]) Close() {
	c.mu.Lock()
	c.closed = true
	drained := c.pending
	c.pending = make(map[K]*pendingWrite[V])
	c.mu.Unlock()

	for key, p := range drained {
		p.timer.Stop()
		c.flush(key, p.value)
	}
}
