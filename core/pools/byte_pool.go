package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for different size classes
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets      atomic.Uint64
	puts      atomic.Uint64
	oversized atomic.Uint64
}

// Common buffer sizes for connection read paths
var defaultSizes = []int{
	512,   // Small requests
	2048,  // Medium (most common)
	8192,  // Large
	32768, // Extra large
	65536, // Scratch read buffers
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
// sizes must be ascending.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size // Capture for closure
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of length size backed by a tier of at least that capacity
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)

	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			buf := *bufPtr
			return buf[:size]
		}
	}

	// Size too large, allocate directly
	bp.oversized.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool. Slices whose capacity does not
// match a tier exactly are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		TotalGets: bp.gets.Load(),
		TotalPuts: bp.puts.Load(),
		Oversized: bp.oversized.Load(),
	}
}

// BytePoolStats contains byte pool counters
type BytePoolStats struct {
	TotalGets uint64
	TotalPuts uint64
	Oversized uint64
}

// Global byte pool instance
var globalBytePool = NewBytePool()

// GetBytes is a convenience function using the global pool
func GetBytes(size int) []byte {
	return globalBytePool.Get(size)
}

// PutBytes returns bytes to the global pool
func PutBytes(buf []byte) {
	globalBytePool.Put(buf)
}

// GlobalBytePoolStats returns the counters of the global pool
func GlobalBytePoolStats() BytePoolStats {
	return globalBytePool.Stats()
}
