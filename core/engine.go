package core

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/nio-server/core/http"
	"github.com/searchktools/nio-server/core/observability"
	"github.com/searchktools/nio-server/core/poller"
	"github.com/searchktools/nio-server/core/pools"
)

// Options configures a Server. Zero values select the defaults unless
// noted otherwise.
type Options struct {
	Addrs   []string
	Workers int // worker loops; runtime.NumCPU() when 0
	Balance Balance

	// ReusePort sets SO_REUSEPORT on the listeners
	ReusePort bool

	HandoffQueue     int // per-loop handoff queue capacity
	ReadBuffer       int // per-loop read scratch size
	MaxBufferedBytes int // unparsed bytes allowed per connection
	MaxHeaderBytes   int
	MaxBodyBytes     int // 0 = unlimited
	IdleTimeout      time.Duration // 0 = never; DefaultOptions sets DefaultIdleTimeout

	Framing   http.BodyFraming
	Transform TransformFactory

	// HandlerPool is the pool behind an AsyncHandler, reported in PoolStats
	HandlerPool *pools.WorkerPool

	newPoller func() (poller.Poller, error)
	newWaker  func() (poller.Waker, error)
}

// DefaultOptions returns options listening on :8080 with one loop per CPU
func DefaultOptions() Options {
	return Options{
		Addrs:            []string{":8080"},
		Workers:          runtime.NumCPU(),
		HandoffQueue:     DefaultHandoffQueue,
		ReadBuffer:       DefaultReadBuffer,
		MaxBufferedBytes: DefaultMaxBufferedBytes,
		MaxHeaderBytes:   DefaultMaxHeaderBytes,
		IdleTimeout:      DefaultIdleTimeout,
	}
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.HandoffQueue <= 0 {
		o.HandoffQueue = DefaultHandoffQueue
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = DefaultReadBuffer
	}
	if o.MaxBufferedBytes <= 0 {
		o.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
}

// Server ties the acceptor, the worker loops and the shared pools and
// statistics together.
type Server struct {
	opts     Options
	stats    *observability.Statistics
	env      *sessionEnv
	loops    []*WorkerLoop
	acceptor *Acceptor

	started  atomic.Bool
	stopOnce sync.Once
}

// NewServer creates the worker loops. Nothing listens until Start.
func NewServer(opts Options, handler RequestHandler) (*Server, error) {
	opts.applyDefaults()
	if len(opts.Addrs) == 0 {
		return nil, ErrNoAddresses
	}

	s := &Server{
		opts:  opts,
		stats: observability.NewStatistics(),
	}
	s.env = newSessionEnv(handler, s.stats, opts)

	cfg := loopConfig{
		handoffQueue: opts.HandoffQueue,
		readBuffer:   opts.ReadBuffer,
		idleTimeout:  opts.IdleTimeout,
		newPoller:    opts.newPoller,
		newWaker:     opts.newWaker,
	}
	for i := 0; i < opts.Workers; i++ {
		l, err := newWorkerLoop(i, s.env, cfg)
		if err != nil {
			for _, prev := range s.loops {
				prev.closePollers()
			}
			return nil, fmt.Errorf("worker loop %d: %w", i, err)
		}
		s.loops = append(s.loops, l)
	}

	s.acceptor = newAcceptor(opts, s.loops)
	return s, nil
}

// Start launches the worker loops and begins accepting
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}

	for _, l := range s.loops {
		l.Start()
	}
	if err := s.acceptor.Start(); err != nil {
		s.stopLoops()
		return err
	}

	for _, addr := range s.acceptor.Addrs() {
		logInfof("🚀 Listening on %s", addr)
	}
	logInfof("⚡ %d worker loops, %s balancing, %s framing", len(s.loops), s.opts.Balance, s.opts.Framing)
	if s.opts.IdleTimeout > 0 {
		logInfof("⏱️  Idle timeout %v", s.opts.IdleTimeout)
	}
	return nil
}

// Shutdown stops accepting, closes every connection and waits for the
// loops to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.acceptor.Shutdown()

	done := make(chan struct{})
	go func() {
		s.stopLoops()
		close(done)
	}()

	select {
	case <-done:
		logInfof("🛑 Server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) stopLoops() {
	s.stopOnce.Do(func() {
		for _, l := range s.loops {
			l.Stop()
		}
		for _, l := range s.loops {
			l.Wait()
		}
	})
}

// Addrs returns the bound listener addresses once started
func (s *Server) Addrs() []net.Addr {
	return s.acceptor.Addrs()
}

// Stats returns the live server statistics
func (s *Server) Stats() *observability.Statistics {
	return s.stats
}

// Accepted returns how many connections the acceptor handed to a loop
func (s *Server) Accepted() uint64 { return s.acceptor.Accepted() }

// Rejected returns how many accepted connections were dropped before
// reaching a loop
func (s *Server) Rejected() uint64 { return s.acceptor.Rejected() }

// LoopStats describes one worker loop
type LoopStats struct {
	ID         int    `json:"id"`
	Owned      int64  `json:"owned"`
	Registered uint64 `json:"registered"`
}

// Loops reports per-loop connection counts
func (s *Server) Loops() []LoopStats {
	out := make([]LoopStats, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, LoopStats{
			ID:         l.ID(),
			Owned:      l.Owned(),
			Registered: l.Registered(),
		})
	}
	return out
}
