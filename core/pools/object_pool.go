package pools

import (
	"sync"
	"sync/atomic"
	"time"
)

// ObjectPool is a typed recycling factory with warmup and statistics.
// Idle instances are kept on a LIFO stack so the most recently released
// object is the next one handed out.
type ObjectPool[T any] struct {
	mu   sync.Mutex
	idle []T

	newFunc   func() T
	resetFunc func(T)
	maxIdle   int

	// Statistics
	gets      atomic.Uint64
	puts      atomic.Uint64
	news      atomic.Uint64
	drops     atomic.Uint64
	startTime time.Time
}

// ObjectPoolConfig configures an object pool
type ObjectPoolConfig[T any] struct {
	New        func() T
	Reset      func(T)
	WarmupSize int // Number of objects to pre-allocate
	MaxIdle    int // Maximum idle objects to keep (0 = 4096)
}

// NewObjectPool creates a new object pool with configuration
func NewObjectPool[T any](config ObjectPoolConfig[T]) *ObjectPool[T] {
	if config.New == nil {
		panic("pools: ObjectPoolConfig.New is required")
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = 4096
	}
	if config.WarmupSize > config.MaxIdle {
		config.WarmupSize = config.MaxIdle
	}

	p := &ObjectPool[T]{
		newFunc:   config.New,
		resetFunc: config.Reset,
		maxIdle:   config.MaxIdle,
		startTime: time.Now(),
	}

	p.Warmup(config.WarmupSize)
	return p
}

// Acquire returns an idle instance, or constructs a fresh one when none is idle.
func (p *ObjectPool[T]) Acquire() T {
	p.gets.Add(1)

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		obj := p.idle[n-1]
		var zero T
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return obj
	}
	p.mu.Unlock()

	p.news.Add(1)
	return p.newFunc()
}

// Release resets obj and marks it idle for reuse.
func (p *ObjectPool[T]) Release(obj T) {
	p.puts.Add(1)

	if p.resetFunc != nil {
		p.resetFunc(obj)
	}

	p.mu.Lock()
	if len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		p.drops.Add(1)
		return
	}
	p.idle = append(p.idle, obj)
	p.mu.Unlock()
}

// Warmup pre-allocates n objects in the pool
func (p *ObjectPool[T]) Warmup(n int) {
	if n <= 0 {
		return
	}
	objs := make([]T, 0, n)
	for i := 0; i < n; i++ {
		objs = append(objs, p.newFunc())
	}

	p.mu.Lock()
	for _, obj := range objs {
		if len(p.idle) >= p.maxIdle {
			break
		}
		p.idle = append(p.idle, obj)
	}
	p.mu.Unlock()
}

// Idle returns the number of idle objects currently held.
func (p *ObjectPool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats returns pool statistics
func (p *ObjectPool[T]) Stats() ObjectPoolStats {
	gets := p.gets.Load()
	news := p.news.Load()

	hitRate := 0.0
	if gets > 0 && gets > news {
		// Objects served from the idle stack vs newly created
		hitRate = float64(gets-news) / float64(gets)
	}

	return ObjectPoolStats{
		Gets:    gets,
		Puts:    p.puts.Load(),
		News:    news,
		Drops:   p.drops.Load(),
		Idle:    p.Idle(),
		HitRate: hitRate,
		Uptime:  time.Since(p.startTime),
	}
}

// ObjectPoolStats contains object pool statistics
type ObjectPoolStats struct {
	Gets    uint64
	Puts    uint64
	News    uint64
	Drops   uint64
	Idle    int
	HitRate float64
	Uptime  time.Duration
}
