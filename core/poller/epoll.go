//go:build linux

package poller

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	ready  []Event
	closed atomic.Bool
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, defaultEventCapacity),
		ready:  make([]Event, 0, defaultEventCapacity),
	}, nil
}

// Add adds a file descriptor to the watch list. The 64-bit token is
// split across the Fd and Pad words of the event payload.
func (p *EpollPoller) Add(fd int, token uint64, interest Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}

	var events uint32
	if interest&Readable != 0 {
		// EPOLLRDHUP: Detect peer shutdown
		// Level-triggered (no EPOLLET): unread bytes keep reporting
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}

	ev := unix.EpollEvent{
		Events: events,
		Fd:     int32(uint32(token)),
		Pad:    int32(uint32(token >> 32)),
	}

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeout int) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		hup := ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0
		p.ready = append(p.ready, Event{
			Token:    uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32,
			Readable: ev.Events&unix.EPOLLIN != 0 || hup,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   hup,
		})
	}

	return p.ready, nil
}

// Fd returns the epoll descriptor
func (p *EpollPoller) Fd() int {
	return p.epfd
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}
