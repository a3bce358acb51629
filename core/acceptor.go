package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/nio-server/core/poller"
)

// Balance selects the worker loop for a new connection
type Balance uint8

const (
	BalanceRoundRobin Balance = iota
	BalanceLeastLoaded
)

// ParseBalance maps a config value to a Balance
func ParseBalance(s string) (Balance, error) {
	switch s {
	case "", "round-robin":
		return BalanceRoundRobin, nil
	case "least-loaded":
		return BalanceLeastLoaded, nil
	}
	return 0, fmt.Errorf("unknown balance %q", s)
}

func (b Balance) String() string {
	if b == BalanceLeastLoaded {
		return "least-loaded"
	}
	return "round-robin"
}

// Acceptor listens on the configured addresses and deals accepted
// connections out to the worker loops.
type Acceptor struct {
	addrs      []string
	reusePort  bool
	loops      []*WorkerLoop
	balance    Balance
	transforms TransformFactory

	next      atomic.Uint64
	listeners []*listener
	waker     poller.Waker
	closing   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// listenToken marks readiness of the listening descriptor in an accept
// poller; the acceptor's waker shares the loops' wakeToken.
const listenToken = 1

// listener pairs a bound net listener with our own duplicate of its
// descriptor, polled for readability by the accept goroutine.
type listener struct {
	ln *net.TCPListener
	fd int
	p  poller.Poller
}

func newAcceptor(opts Options, loops []*WorkerLoop) *Acceptor {
	transforms := opts.Transform
	if transforms == nil {
		transforms = NewIdentityTransform
	}
	return &Acceptor{
		addrs:      opts.Addrs,
		reusePort:  opts.ReusePort,
		loops:      loops,
		balance:    opts.Balance,
		transforms: transforms,
		stop:       make(chan struct{}),
	}
}

// Start listens on every address and starts one accept goroutine per
// listener. Nothing is left listening if any address fails.
func (a *Acceptor) Start() error {
	lc := net.ListenConfig{}
	if a.reusePort {
		lc.Control = func(network, address string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}

	var err error
	if a.waker, err = poller.NewWaker(); err != nil {
		return fmt.Errorf("acceptor waker: %w", err)
	}

	for _, addr := range a.addrs {
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			a.abort()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		l, err := a.watch(ln.(*net.TCPListener))
		if err != nil {
			ln.Close()
			a.abort()
			return fmt.Errorf("listener %s: %w", addr, err)
		}
		a.listeners = append(a.listeners, l)
	}

	for _, l := range a.listeners {
		a.wg.Add(1)
		go a.acceptLoop(l)
	}
	return nil
}

// watch duplicates the listener's descriptor and registers it, together
// with the shutdown waker, in a poller of its own. The duplicate shares
// the runtime's non-blocking file status.
func (a *Acceptor) watch(ln *net.TCPListener) (*listener, error) {
	rc, err := ln.SyscallConn()
	if err != nil {
		return nil, err
	}

	fd := -1
	var dupErr error
	err = rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err == nil {
		err = dupErr
	}
	if err != nil {
		return nil, fmt.Errorf("dup: %w", err)
	}

	p, err := poller.NewPoller()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err = p.Add(fd, listenToken, poller.Readable); err == nil {
		err = p.Add(a.waker.Fd(), wakeToken, poller.Readable)
	}
	if err != nil {
		p.Close()
		unix.Close(fd)
		return nil, err
	}
	return &listener{ln: ln, fd: fd, p: p}, nil
}

// Addrs returns the bound listener addresses
func (a *Acceptor) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(a.listeners))
	for _, l := range a.listeners {
		addrs = append(addrs, l.ln.Addr())
	}
	return addrs
}

// acceptLoop waits for the listener to become readable and drains its
// accept queue each time, so worker loops never block on accept.
func (a *Acceptor) acceptLoop(l *listener) {
	defer a.wg.Done()

	var tempDelay time.Duration
	for {
		events, err := l.p.Wait(-1)
		if a.closing.Load() {
			return
		}
		if err != nil {
			logErrorf("accept on %s: wait: %v", l.ln.Addr(), err)
			return
		}

		var acceptErr error
		for _, ev := range events {
			if ev.Token == listenToken {
				acceptErr = a.acceptPending(l)
			}
		}

		if acceptErr == nil {
			tempDelay = 0
			continue
		}

		// EMFILE and friends: back off like net/http does
		if tempDelay == 0 {
			tempDelay = 5 * time.Millisecond
		} else {
			tempDelay *= 2
		}
		if tempDelay > time.Second {
			tempDelay = time.Second
		}
		logWarnf("accept on %s: %v; retrying in %v", l.ln.Addr(), acceptErr, tempDelay)
		select {
		case <-a.stop:
			return
		case <-time.After(tempDelay):
		}
	}
}

// acceptPending accepts until the kernel queue is empty. It returns the
// first error other than EAGAIN or an aborted handshake.
func (a *Acceptor) acceptPending(l *listener) error {
	for {
		nfd, sa, err := poller.Accept(l.fd)
		switch err {
		case nil:
			if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				logDebugf("TCP_NODELAY: %v", err)
			}
			a.dispatch(newFdSocket(nfd, sockaddrString(sa)))
			continue
		case unix.EAGAIN:
			return nil
		case unix.ECONNABORTED:
			continue
		}
		return err
	}
}

// dispatch runs the transform handshake and hands sock to a loop. A
// socket that fails either step is closed and counted as rejected.
func (a *Acceptor) dispatch(sock Socket) {
	transform := a.transforms()
	if err := transform.Init(sock); err != nil {
		logWarnf("handshake with %s failed: %v", sock.RemoteAddr(), err)
		a.rejected.Add(1)
		sock.Close()
		return
	}

	loop := a.pick()
	if err := loop.Assign(sock, transform); err != nil {
		logDebugf("assign %s to loop %d: %v", sock.RemoteAddr(), loop.ID(), err)
		a.rejected.Add(1)
		transform.OnClose(sock)
		sock.Close()
		return
	}
	a.accepted.Add(1)
}

// pick selects the target loop according to the balance policy
func (a *Acceptor) pick() *WorkerLoop {
	n := uint64(len(a.loops))
	start := a.next.Add(1) - 1
	if a.balance == BalanceRoundRobin || n == 1 {
		return a.loops[start%n]
	}

	// Rotating start keeps ties spread across loops
	best := a.loops[start%n]
	bestLoad := best.Owned()
	for i := uint64(1); i < n; i++ {
		l := a.loops[(start+i)%n]
		if load := l.Owned(); load < bestLoad {
			best, bestLoad = l, load
		}
	}
	return best
}

// Accepted returns the number of connections handed to a loop
func (a *Acceptor) Accepted() uint64 { return a.accepted.Load() }

// Rejected returns the number of connections dropped before assignment
func (a *Acceptor) Rejected() uint64 { return a.rejected.Load() }

// Shutdown stops the accept goroutines and closes the listeners. The
// listening socket goes away once both its descriptors are closed.
func (a *Acceptor) Shutdown() {
	a.stopOnce.Do(func() {
		a.closing.Store(true)
		close(a.stop)
		if a.waker != nil {
			if err := a.waker.Wake(); err != nil {
				logWarnf("acceptor wake: %v", err)
			}
		}
		a.wg.Wait()
		a.release()
	})
}

func (a *Acceptor) release() {
	for _, l := range a.listeners {
		l.p.Close()
		unix.Close(l.fd)
		l.ln.Close()
	}
	if a.waker != nil {
		a.waker.Close()
	}
}

// abort undoes a partial Start so a later Shutdown finds nothing to close
func (a *Acceptor) abort() {
	a.release()
	a.listeners = nil
	a.waker = nil
}
