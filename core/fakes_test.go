package core

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/nio-server/core/poller"
)

// fakeSocket serves queued read chunks and accepts writes up to a budget
type fakeSocket struct {
	fd int

	mu      sync.Mutex
	reads   [][]byte
	eof     bool
	budget  int // bytes Write may still accept; -1 = unlimited
	written bytes.Buffer
	stages  [][]byte

	closes atomic.Int32
}

func newFakeSocket(fd int) *fakeSocket {
	return &fakeSocket{fd: fd, budget: -1}
}

func (s *fakeSocket) Fd() int            { return s.fd }
func (s *fakeSocket) RemoteAddr() string { return "fake:" + strconv.Itoa(s.fd) }

func (s *fakeSocket) feed(chunks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.reads = append(s.reads, []byte(c))
	}
}

func (s *fakeSocket) setEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
}

func (s *fakeSocket) setBudget(n int) {
	s.mu.Lock()
	s.budget = n
	s.mu.Unlock()
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.reads) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, s.reads[0])
	s.reads[0] = s.reads[0][n:]
	if len(s.reads[0]) == 0 {
		s.reads = s.reads[1:]
	}
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.budget == 0 {
		return 0, ErrWouldBlock
	}
	n := len(p)
	if s.budget > 0 {
		n = min(n, s.budget)
		s.budget -= n
	}
	s.written.Write(p[:n])
	s.stages = append(s.stages, bytes.Clone(p[:n]))
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSocket) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// fakeOwner records what a session asks of its loop
type fakeOwner struct {
	watching atomic.Bool
	watches  atomic.Int32
	closes   atomic.Int32
	resumes  atomic.Int32
}

func (o *fakeOwner) watchWritable(*Session) error {
	o.watching.Store(true)
	o.watches.Add(1)
	return nil
}

func (o *fakeOwner) unwatchWritable(*Session)       { o.watching.Store(false) }
func (o *fakeOwner) requestClose(*Session, uint64)  { o.closes.Add(1) }
func (o *fakeOwner) requestResume(*Session, uint64) { o.resumes.Add(1) }

// fakeKernel hands out descriptors for fake pollers and wakers and
// records every registration made through them.
type fakeKernel struct {
	nextFd atomic.Int64

	mu     sync.Mutex
	wakers map[int]*fakeWaker
	adds   map[int]int
}

func newFakeKernel() *fakeKernel {
	k := &fakeKernel{
		wakers: make(map[int]*fakeWaker),
		adds:   make(map[int]int),
	}
	k.nextFd.Store(-1000)
	return k
}

func (k *fakeKernel) allocFd() int {
	return int(k.nextFd.Add(-1))
}

func (k *fakeKernel) newPoller() (poller.Poller, error) {
	return &fakePoller{kernel: k, fd: k.allocFd(), regs: make(map[int]uint64)}, nil
}

func (k *fakeKernel) newWaker() (poller.Waker, error) {
	w := &fakeWaker{fd: k.allocFd(), ch: make(chan struct{}, 1)}
	k.mu.Lock()
	k.wakers[w.fd] = w
	k.mu.Unlock()
	return w, nil
}

// registrations returns how often each non-negative fd was added
func (k *fakeKernel) registrations() map[int]int {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[int]int, len(k.adds))
	for fd, n := range k.adds {
		if fd >= 0 {
			out[fd] = n
		}
	}
	return out
}

type fakeWaker struct {
	fd    int
	fired atomic.Bool
	ch    chan struct{}
}

func (w *fakeWaker) Wake() error {
	w.fired.Store(true)
	select {
	case w.ch <- struct{}{}:
	default:
	}
	return nil
}

func (w *fakeWaker) Drain() {
	w.fired.Store(false)
	select {
	case <-w.ch:
	default:
	}
}

func (w *fakeWaker) Fd() int      { return w.fd }
func (w *fakeWaker) Close() error { return nil }

// fakePoller only ever reports its waker; sockets never become ready
type fakePoller struct {
	kernel *fakeKernel
	fd     int

	mu       sync.Mutex
	regs     map[int]uint64
	waker    *fakeWaker
	wakeTok  uint64
	ready    []poller.Event
	isClosed atomic.Bool
}

func (p *fakePoller) Add(fd int, token uint64, _ poller.Interest) error {
	if p.isClosed.Load() {
		return poller.ErrClosed
	}
	p.mu.Lock()
	p.regs[fd] = token
	p.mu.Unlock()

	p.kernel.mu.Lock()
	p.kernel.adds[fd]++
	w := p.kernel.wakers[fd]
	p.kernel.mu.Unlock()

	if w != nil {
		p.mu.Lock()
		p.waker, p.wakeTok = w, token
		p.mu.Unlock()
	}
	return nil
}

func (p *fakePoller) Remove(fd int) error {
	p.mu.Lock()
	delete(p.regs, fd)
	p.mu.Unlock()
	return nil
}

func (p *fakePoller) Wait(timeout int) ([]poller.Event, error) {
	if p.isClosed.Load() {
		return nil, poller.ErrClosed
	}
	p.mu.Lock()
	w, tok := p.waker, p.wakeTok
	p.mu.Unlock()

	p.ready = p.ready[:0]
	if w == nil {
		if timeout > 0 {
			time.Sleep(time.Duration(timeout) * time.Millisecond)
		}
		return p.ready, nil
	}

	fired := w.fired.Load()
	if !fired && timeout != 0 {
		var timer <-chan time.Time
		if timeout > 0 {
			timer = time.After(time.Duration(timeout) * time.Millisecond)
		}
		select {
		case <-w.ch:
			fired = true
		case <-timer:
		}
	}

	if fired {
		p.ready = append(p.ready, poller.Event{Token: tok, Readable: true})
	}
	return p.ready, nil
}

func (p *fakePoller) Fd() int { return p.fd }

func (p *fakePoller) Close() error {
	p.isClosed.Store(true)
	return nil
}
