package core

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/searchktools/nio-server/core/poller"
	"github.com/searchktools/nio-server/core/pools"
)

// Reserved readiness tokens. Session tokens are slab handles, whose
// generation half never reaches these values.
const (
	wakeToken  = math.MaxUint64
	writeToken = math.MaxUint64 - 1
)

type handoff struct {
	sock      Socket
	transform SocketTransform
}

type commandKind uint8

const (
	cmdClose commandKind = iota
	cmdResume
)

type command struct {
	kind commandKind
	s    *Session
	gen  uint64
}

// loopConfig carries the per-loop knobs taken from Options
type loopConfig struct {
	handoffQueue int
	readBuffer   int
	idleTimeout  time.Duration
	newPoller    func() (poller.Poller, error)
	newWaker     func() (poller.Waker, error)
}

// WorkerLoop owns a set of connections and runs their I/O on one OS
// thread. Only the loop's goroutine waits on its pollers; other
// goroutines reach it through Assign and the control queue, each followed
// by a wake.
type WorkerLoop struct {
	id  int
	env *sessionEnv

	rp    poller.Poller // read readiness, plus the waker and wp
	wp    poller.Poller // write readiness of sessions with a DelayedWrite
	waker poller.Waker

	handoffs    *xsync.MPMCQueueOf[handoff]
	wakePending atomic.Bool

	ctlMu    sync.Mutex
	ctl      []command
	ctlSpare []command

	sessions *pools.Slab[*Session]
	scratch  []byte
	swept    []*Session

	idleTimeout time.Duration
	lastSweep   time.Time
	handoffWait time.Duration

	owned      atomic.Int64
	registered atomic.Uint64

	stopMu   sync.RWMutex
	stopping atomic.Bool
	stopped  bool
	done     chan struct{}
}

func newWorkerLoop(id int, env *sessionEnv, cfg loopConfig) (*WorkerLoop, error) {
	if cfg.newPoller == nil {
		cfg.newPoller = poller.NewPoller
	}
	if cfg.newWaker == nil {
		cfg.newWaker = poller.NewWaker
	}

	l := &WorkerLoop{
		id:          id,
		env:         env,
		handoffs:    xsync.NewMPMCQueueOf[handoff](cfg.handoffQueue),
		sessions:    pools.NewSlab[*Session](256),
		scratch:     make([]byte, cfg.readBuffer),
		idleTimeout: cfg.idleTimeout,
		lastSweep:   time.Now(),
		handoffWait: handoffWait,
		done:        make(chan struct{}),
	}

	var err error
	if l.rp, err = cfg.newPoller(); err != nil {
		return nil, err
	}
	if l.wp, err = cfg.newPoller(); err != nil {
		l.rp.Close()
		return nil, err
	}
	if l.waker, err = cfg.newWaker(); err != nil {
		l.rp.Close()
		l.wp.Close()
		return nil, err
	}

	if err = l.rp.Add(l.waker.Fd(), wakeToken, poller.Readable); err == nil {
		err = l.rp.Add(l.wp.Fd(), writeToken, poller.Readable)
	}
	if err != nil {
		l.closePollers()
		return nil, err
	}
	return l, nil
}

// ID returns the loop's index within the server
func (l *WorkerLoop) ID() int { return l.id }

// Owned returns the number of sockets queued for or registered with this loop
func (l *WorkerLoop) Owned() int64 { return l.owned.Load() }

// Registered returns how many sockets this loop has registered in total
func (l *WorkerLoop) Registered() uint64 { return l.registered.Load() }

// Assign hands a connected socket to the loop. It may be called from any
// goroutine; the loop registers the socket before its next wait. A full
// handoff queue is retried with backoff for up to handoffWait, after
// which Assign returns ErrHandoffFull and the caller keeps the socket.
func (l *WorkerLoop) Assign(sock Socket, transform SocketTransform) error {
	h := handoff{sock: sock, transform: transform}

	var deadline time.Time
	backoff := handoffBackoffMin
	for {
		queued, err := l.tryAssign(h)
		if queued || err != nil {
			return err
		}

		now := time.Now()
		if deadline.IsZero() {
			deadline = now.Add(l.handoffWait)
		} else if now.After(deadline) {
			return ErrHandoffFull
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, handoffBackoffMax)
	}
}

// tryAssign enqueues h unless the loop is stopping. A full queue wakes
// the loop and reports false without an error.
func (l *WorkerLoop) tryAssign(h handoff) (bool, error) {
	l.stopMu.RLock()
	defer l.stopMu.RUnlock()

	if l.stopping.Load() || l.stopped {
		return false, ErrLoopStopped
	}

	// Counted before the enqueue so the loop never sees it negative
	l.owned.Add(1)
	if !l.handoffs.TryEnqueue(h) {
		l.owned.Add(-1)
		l.wake()
		return false, nil
	}
	l.wake()
	return true, nil
}

// wake signals the loop unless a signal is already outstanding
func (l *WorkerLoop) wake() {
	if l.wakePending.CompareAndSwap(false, true) {
		if err := l.waker.Wake(); err != nil {
			logWarnf("loop %d: wake: %v", l.id, err)
		}
	}
}

func (l *WorkerLoop) post(c command) {
	l.stopMu.RLock()
	defer l.stopMu.RUnlock()
	if l.stopped {
		return
	}

	l.ctlMu.Lock()
	l.ctl = append(l.ctl, c)
	l.ctlMu.Unlock()
	l.wake()
}

func (l *WorkerLoop) requestClose(s *Session, gen uint64) {
	l.post(command{kind: cmdClose, s: s, gen: gen})
}

func (l *WorkerLoop) requestResume(s *Session, gen uint64) {
	l.post(command{kind: cmdResume, s: s, gen: gen})
}

func (l *WorkerLoop) watchWritable(s *Session) error {
	return l.wp.Add(s.sock.Fd(), uint64(s.handle), poller.Writable)
}

func (l *WorkerLoop) unwatchWritable(s *Session) {
	l.wp.Remove(s.sock.Fd())
}

// Start runs the loop on its own goroutine
func (l *WorkerLoop) Start() {
	go l.run()
}

func (l *WorkerLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)
	defer l.teardown()

	timeout := -1
	if l.idleTimeout > 0 {
		timeout = int(sweepInterval / time.Millisecond)
	}

	for !l.stopping.Load() {
		if err := l.runIteration(timeout); err != nil {
			logErrorf("loop %d: %v", l.id, err)
			return
		}
	}
}

// runIteration waits once and handles everything that became ready.
// Only a failure of the loop's own poller is returned.
func (l *WorkerLoop) runIteration(timeout int) error {
	events, err := l.rp.Wait(timeout)
	if err != nil {
		if errors.Is(err, poller.ErrClosed) {
			return err
		}
		logWarnf("loop %d: wait: %v", l.id, err)
		return nil
	}

	writable := false
	for _, ev := range events {
		switch ev.Token {
		case wakeToken:
			// Drain before clearing so no wake between the two is lost
			l.waker.Drain()
			l.wakePending.Store(false)
		case writeToken:
			writable = true
		}
	}

	l.drainHandoffs()
	l.drainControl()
	if writable {
		l.flushWritable()
	}

	for _, ev := range events {
		if ev.Token == wakeToken || ev.Token == writeToken {
			continue
		}
		l.handleReadable(pools.Handle(ev.Token))
	}

	if l.idleTimeout > 0 {
		l.sweepIdle(time.Now())
	}
	return nil
}

func (l *WorkerLoop) drainHandoffs() {
	for {
		h, ok := l.handoffs.TryDequeue()
		if !ok {
			return
		}
		l.register(h)
	}
}

func (l *WorkerLoop) register(h handoff) {
	s := l.env.sessions.Acquire()
	handle := l.sessions.Insert(s)
	s.attach(l, handle, h.sock, h.transform)

	if err := l.rp.Add(h.sock.Fd(), uint64(handle), poller.Readable); err != nil {
		// Typically a socket closed between accept and registration
		logWarnf("loop %d: register %s: %v", l.id, h.sock.RemoteAddr(), err)
		l.sessions.Remove(handle)
		h.sock.Close()
		h.transform.OnClose(h.sock)
		l.env.sessions.Release(s)
		l.owned.Add(-1)
		return
	}

	l.registered.Add(1)
	l.env.stats.ConnectionOpened()
	logDebugf("loop %d: registered %s", l.id, h.sock.RemoteAddr())
}

func (l *WorkerLoop) drainControl() {
	l.ctlMu.Lock()
	cmds := l.ctl
	l.ctl = l.ctlSpare[:0]
	l.ctlMu.Unlock()

	for _, c := range cmds {
		if !l.current(c.s, c.gen) {
			continue
		}
		switch c.kind {
		case cmdClose:
			l.drop(c.s, "closed")
		case cmdResume:
			l.resume(c.s)
		}
	}

	clear(cmds)
	l.ctlSpare = cmds[:0]
}

// current reports whether s is still registered here under generation gen
func (l *WorkerLoop) current(s *Session, gen uint64) bool {
	// Generation first: a matching generation means s is attached to
	// this loop, so its handle is ours to read
	if s.gen.Load() != gen {
		return false
	}
	cur, ok := l.sessions.Get(s.handle)
	return ok && cur == s
}

func (l *WorkerLoop) flushWritable() {
	events, err := l.wp.Wait(0)
	if err != nil {
		logWarnf("loop %d: write wait: %v", l.id, err)
		return
	}

	for _, ev := range events {
		s, ok := l.sessions.Get(pools.Handle(ev.Token))
		if !ok {
			continue
		}

		next, err := s.flush()
		if err != nil {
			logDebugf("loop %d: flush %s: %v", l.id, s.sock.RemoteAddr(), err)
		}
		switch next {
		case afterClose:
			l.drop(s, "write finished")
		case afterResume:
			l.resume(s)
		}
	}
}

func (l *WorkerLoop) handleReadable(h pools.Handle) {
	s, ok := l.sessions.Get(h)
	if !ok {
		// Stale event for a slot already released
		return
	}

	switch outcome := s.read(l.scratch); outcome {
	case ReadOpen:
		if s.closing.Load() {
			l.drop(s, "closed")
		}
	default:
		l.drop(s, outcome.String())
	}
}

// resume parses bytes that arrived while the previous frame was in flight
func (l *WorkerLoop) resume(s *Session) {
	if err := s.parseAndDispatch(); err != nil {
		logDebugf("loop %d: parse %s: %v", l.id, s.sock.RemoteAddr(), err)
		l.drop(s, "parse error")
		return
	}
	if s.closing.Load() {
		l.drop(s, "closed")
	}
}

// drop deregisters and closes a session and returns it to the pool
func (l *WorkerLoop) drop(s *Session, reason string) {
	if !l.sessions.Remove(s.handle) {
		return
	}

	l.rp.Remove(s.sock.Fd())
	logDebugf("loop %d: drop %s (%s)", l.id, s.sock.RemoteAddr(), reason)
	s.shutdown()

	l.owned.Add(-1)
	l.env.stats.ConnectionClosed()
	l.env.sessions.Release(s)
}

func (l *WorkerLoop) sweepIdle(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-l.idleTimeout)
	l.sessions.Range(func(_ pools.Handle, s *Session) bool {
		if s.idleSince(cutoff) {
			l.swept = append(l.swept, s)
		}
		return true
	})

	for _, s := range l.swept {
		l.drop(s, "idle")
	}
	clear(l.swept)
	l.swept = l.swept[:0]
}

// Stop asks the loop to exit after its current iteration
func (l *WorkerLoop) Stop() {
	if !l.stopping.CompareAndSwap(false, true) {
		return
	}

	l.stopMu.RLock()
	defer l.stopMu.RUnlock()
	if !l.stopped {
		// Bypass the pending flag so the signal cannot be absorbed
		if err := l.waker.Wake(); err != nil {
			logWarnf("loop %d: wake: %v", l.id, err)
		}
	}
}

// Wait blocks until the loop has exited and released its connections
func (l *WorkerLoop) Wait() {
	<-l.done
}

func (l *WorkerLoop) teardown() {
	l.stopping.Store(true)

	// No Assign or post is in progress past this point, and none will
	// touch the waker again
	l.stopMu.Lock()
	l.stopped = true
	l.stopMu.Unlock()

	for {
		h, ok := l.handoffs.TryDequeue()
		if !ok {
			break
		}
		h.sock.Close()
		h.transform.OnClose(h.sock)
		l.owned.Add(-1)
	}

	l.sessions.Range(func(_ pools.Handle, s *Session) bool {
		l.swept = append(l.swept, s)
		return true
	})
	for _, s := range l.swept {
		l.drop(s, "shutdown")
	}
	clear(l.swept)
	l.swept = l.swept[:0]

	l.closePollers()
}

func (l *WorkerLoop) closePollers() {
	l.rp.Close()
	l.wp.Close()
	l.waker.Close()
}
