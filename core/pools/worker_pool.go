package pools

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func()

// WorkerPool implements a work-stealing goroutine pool.
// Request handlers that block or burn CPU are handed to it so the
// connection loops never stall behind business logic.
type WorkerPool struct {
	numWorkers int
	queues     []chan Task
	next       atomic.Uint64
	closed     atomic.Bool
	closeMu    sync.RWMutex
	wg         sync.WaitGroup

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksInline    atomic.Uint64
		tasksPanicked  atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
	}
}

// NewWorkerPool creates a new work-stealing worker pool with queueSize slots per worker
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]chan Task, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.queues[i] = make(chan Task, queueSize)
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.work(i)
	}

	return pool
}

// Submit submits a task using round-robin placement. When the chosen
// queue and its neighbour are both full the task runs inline on the
// caller. It returns false once the pool is closed.
func (p *WorkerPool) Submit(task Task) bool {
	p.closeMu.RLock()
	if p.closed.Load() {
		p.closeMu.RUnlock()
		return false
	}

	p.stats.tasksSubmitted.Add(1)

	idx := int(p.next.Add(1) % uint64(p.numWorkers))
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case p.queues[idx] <- task:
			p.closeMu.RUnlock()
			return true
		default:
			idx = (idx + 1) % p.numWorkers
		}
	}
	p.closeMu.RUnlock()

	// All tried queues full, execute inline
	p.stats.tasksInline.Add(1)
	p.execute(task)
	return true
}

// work is the main loop for worker id
func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	own := p.queues[id]

	for {
		// Own queue first
		select {
		case task, ok := <-own:
			if !ok {
				return
			}
			p.execute(task)
			continue
		default:
		}

		// Own queue is empty, try to steal from other workers
		if p.trySteal(id) {
			continue
		}

		// No work available, block on own queue
		task, ok := <-own
		if !ok {
			return
		}
		p.execute(task)
	}
}

// trySteal attempts to run one task queued on another worker
func (p *WorkerPool) trySteal(id int) bool {
	for i := 1; i < p.numWorkers; i++ {
		victim := p.queues[(id+i)%p.numWorkers]

		select {
		case task, ok := <-victim:
			if ok && task != nil {
				p.stats.stealsSuccess.Add(1)
				p.execute(task)
				return true
			}
		default:
		}
	}

	p.stats.stealsFailed.Add(1)
	return false
}

func (p *WorkerPool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.tasksPanicked.Add(1)
			log.Printf("worker pool: task panicked: %v", r)
		}
		p.stats.tasksCompleted.Add(1)
	}()
	task()
}

// Close stops accepting tasks, lets workers drain their queues and waits for them.
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.closeMu.Unlock()
		return
	}
	for _, q := range p.queues {
		close(q)
	}
	p.closeMu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	pending := uint64(0)
	if submitted > completed {
		pending = submitted - completed
	}

	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   pending,
		TasksInline:    p.stats.tasksInline.Load(),
		TasksPanicked:  p.stats.tasksPanicked.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksPending   uint64 `json:"tasks_pending"`
	TasksInline    uint64 `json:"tasks_inline"`
	TasksPanicked  uint64 `json:"tasks_panicked"`
	StealsSuccess  uint64 `json:"steals_success"`
	StealsFailed   uint64 `json:"steals_failed"`
}
