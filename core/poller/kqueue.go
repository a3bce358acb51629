//go:build darwin

package poller

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer. kevent's user data
// field is a pointer on Darwin, so tokens are kept in a side table.
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	ready  []Event
	closed atomic.Bool

	mu     sync.RWMutex
	tokens map[int]registration
}

type registration struct {
	token    uint64
	interest Interest
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, defaultEventCapacity),
		ready:  make([]Event, 0, defaultEventCapacity),
		tokens: make(map[int]registration),
	}, nil
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, token uint64, interest Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}

	changes := make([]unix.Kevent_t, 0, 2)
	if interest&Readable != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			// Level-triggered (no EV_CLEAR)
			Flags: unix.EV_ADD | unix.EV_ENABLE,
		})
	}
	if interest&Writable != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  unix.EV_ADD | unix.EV_ENABLE,
		})
	}

	p.mu.Lock()
	p.tokens[fd] = registration{token: token, interest: interest}
	p.mu.Unlock()

	if _, err := unix.Kevent(p.kqfd, changes, nil, nil); err != nil {
		p.mu.Lock()
		delete(p.tokens, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.mu.Lock()
	reg, ok := p.tokens[fd]
	delete(p.tokens, fd)
	p.mu.Unlock()
	if !ok {
		return unix.ENOENT
	}

	changes := make([]unix.Kevent_t, 0, 2)
	if reg.interest&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if reg.interest&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}

	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.ready = p.ready[:0]
	p.mu.RLock()
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		reg, ok := p.tokens[int(ev.Ident)]
		if !ok {
			continue
		}
		hup := ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
		p.ready = append(p.ready, Event{
			Token:    reg.token,
			Readable: ev.Filter == unix.EVFILT_READ,
			Writable: ev.Filter == unix.EVFILT_WRITE,
			Hangup:   hup,
		})
	}
	p.mu.RUnlock()

	return p.ready, nil
}

// Fd returns the kqueue descriptor
func (p *KqueuePoller) Fd() int {
	return p.kqfd
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.kqfd)
}
