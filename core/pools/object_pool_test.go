package pools

import (
	"sync"
	"testing"
)

type pooledThing struct {
	id    int
	name  string
	data  []byte
	flags map[string]bool
}

func newThingPool(warmup int) *ObjectPool[*pooledThing] {
	return NewObjectPool(ObjectPoolConfig[*pooledThing]{
		New: func() *pooledThing {
			return &pooledThing{data: make([]byte, 0, 16)}
		},
		Reset: func(t *pooledThing) {
			t.id = 0
			t.name = ""
			t.data = t.data[:0]
			for k := range t.flags {
				delete(t.flags, k)
			}
		},
		WarmupSize: warmup,
		MaxIdle:    8,
	})
}

func TestObjectPool_ReleaseThenAcquireReturnsSameInstance(t *testing.T) {
	pool := newThingPool(0)

	x := pool.Acquire()
	x.id = 42
	x.name = "used"
	x.data = append(x.data, "payload"...)
	x.flags = map[string]bool{"dirty": true}

	pool.Release(x)
	y := pool.Acquire()

	if y != x {
		t.Fatalf("Expected the released instance back, got a different one")
	}
	if y.id != 0 || y.name != "" || len(y.data) != 0 || len(y.flags) != 0 {
		t.Errorf("Instance not reset: %+v", y)
	}
	if cap(y.data) < len("payload") {
		t.Errorf("Reset should keep capacity, got cap %d", cap(y.data))
	}
}

func TestObjectPool_EmptyPoolConstructs(t *testing.T) {
	pool := newThingPool(0)

	a := pool.Acquire()
	b := pool.Acquire()
	if a == b {
		t.Fatal("Two acquires without release returned the same instance")
	}

	stats := pool.Stats()
	if stats.News != 2 || stats.Gets != 2 {
		t.Errorf("Expected 2 gets and 2 news, got %+v", stats)
	}
	if stats.HitRate != 0 {
		t.Errorf("Expected hit rate 0, got %f", stats.HitRate)
	}
}

func TestObjectPool_WarmupAndMaxIdle(t *testing.T) {
	pool := newThingPool(20) // capped at MaxIdle
	if idle := pool.Idle(); idle != 8 {
		t.Fatalf("Expected 8 idle after warmup, got %d", idle)
	}

	held := make([]*pooledThing, 0, 10)
	for i := 0; i < 10; i++ {
		held = append(held, pool.Acquire())
	}
	if news := pool.Stats().News; news != 2 {
		t.Errorf("Expected 2 constructions past warmup, got %d", news)
	}

	for _, x := range held {
		pool.Release(x)
	}
	stats := pool.Stats()
	if stats.Idle != 8 {
		t.Errorf("Expected idle capped at 8, got %d", stats.Idle)
	}
	if stats.Drops != 2 {
		t.Errorf("Expected 2 drops, got %d", stats.Drops)
	}
}

func TestObjectPool_Concurrent(t *testing.T) {
	pool := NewObjectPool(ObjectPoolConfig[*pooledThing]{
		New:   func() *pooledThing { return &pooledThing{} },
		Reset: func(t *pooledThing) { t.id = 0 },
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				x := pool.Acquire()
				if x.id != 0 {
					t.Errorf("Acquired instance still in use (id=%d)", x.id)
					return
				}
				x.id = g + 1
				pool.Release(x)
			}
		}(g)
	}
	wg.Wait()

	stats := pool.Stats()
	if stats.Gets != 8000 || stats.Puts != 8000 {
		t.Errorf("Expected 8000 gets/puts, got %+v", stats)
	}
	if stats.News > 8 {
		t.Errorf("Expected at most 8 constructions, got %d", stats.News)
	}
}

func BenchmarkObjectPool_AcquireRelease(b *testing.B) {
	pool := newThingPool(8)

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pool.Release(pool.Acquire())
		}
	})
}
