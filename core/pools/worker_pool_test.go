package pools

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(4, 64)
	defer pool.Close()

	done := make(chan bool)
	var counter atomic.Int64

	// Submit 100 tasks
	for i := 0; i < 100; i++ {
		pool.Submit(func() {
			counter.Add(1)
		})
	}

	// Wait for completion
	go func() {
		for {
			stats := pool.Stats()
			if stats.TasksCompleted >= 100 {
				done <- true
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		if counter.Load() != 100 {
			t.Errorf("Expected 100 tasks completed, got %d", counter.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Test timeout")
	}
}

func TestWorkerPool_WorkStealing(t *testing.T) {
	pool := NewWorkerPool(4, 256)

	var counter atomic.Int64

	// Submit tasks that take different time
	for i := 0; i < 100; i++ {
		i := i
		pool.Submit(func() {
			if i%10 == 0 {
				time.Sleep(10 * time.Millisecond) // Some tasks are slower
			}
			counter.Add(1)
		})
	}

	// Close drains every queue before returning
	pool.Close()

	stats := pool.Stats()
	if stats.TasksCompleted != 100 {
		t.Errorf("Expected 100 tasks completed, got %d", stats.TasksCompleted)
	}
	if counter.Load() != 100 {
		t.Errorf("Expected counter 100, got %d", counter.Load())
	}

	if stats.StealsSuccess == 0 {
		t.Log("Warning: No successful steals detected")
	}
}

func TestWorkerPool_PanicIsContained(t *testing.T) {
	pool := NewWorkerPool(2, 8)

	var ran atomic.Bool
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { ran.Store(true) })
	pool.Close()

	if !ran.Load() {
		t.Error("task after a panicking task did not run")
	}
	if got := pool.Stats().TasksPanicked; got != 1 {
		t.Errorf("Expected 1 panicked task, got %d", got)
	}
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	pool.Close()
	pool.Close() // idempotent

	if pool.Submit(func() {}) {
		t.Error("Submit succeeded on a closed pool")
	}
}

func TestWorkerPool_FullQueuesRunInline(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	defer pool.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-block
	})
	<-started

	// Queue slot taken, then the next one must run inline
	pool.Submit(func() {})
	var inline atomic.Bool
	pool.Submit(func() { inline.Store(true) })
	close(block)

	if !inline.Load() {
		t.Error("Expected third task to run inline on the caller")
	}
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(8, 256)
	defer pool.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pool.Submit(func() {
				_ = 1 + 1
			})
		}
	})
}
