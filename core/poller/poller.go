// Package poller wraps the OS readiness facilities (epoll on Linux,
// kqueue on Darwin) behind a small token-based interface.
package poller

import "errors"

// Interest selects which readiness a registration reports
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event is one readiness notification. Token is the value supplied at
// registration time.
type Event struct {
	Token    uint64
	Readable bool
	Writable bool
	Hangup   bool
}

// Poller is the I/O multiplexing interface. Add and Remove may be called
// from any goroutine; Wait must only be called by the owning loop.
type Poller interface {
	Add(fd int, token uint64, interest Interest) error
	Remove(fd int) error
	// Wait blocks up to timeout milliseconds (-1 = forever, 0 = poll).
	// The returned slice is reused by the next call.
	Wait(timeout int) ([]Event, error)
	// Fd returns the poller's own descriptor, itself pollable for readability.
	Fd() int
	Close() error
}

// Waker is a sticky wake-up signal: once woken, the next Wait on a poller
// watching Fd returns immediately until Drain is called.
type Waker interface {
	Wake() error
	Drain()
	Fd() int
	Close() error
}

// ErrClosed is returned by operations on a closed poller
var ErrClosed = errors.New("poller: closed")

const defaultEventCapacity = 1024
