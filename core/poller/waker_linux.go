//go:build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// eventfdWaker wakes a blocked Wait through a non-blocking eventfd.
// The counter stays readable until Drain, so a wake issued before the
// loop enters Wait is never lost.
type eventfdWaker struct {
	fd  int
	one [8]byte
	buf [8]byte
}

// NewWaker creates a Waker (Linux)
func NewWaker() (Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	w := &eventfdWaker{fd: fd}
	binary.NativeEndian.PutUint64(w.one[:], 1)
	return w, nil
}

func (w *eventfdWaker) Wake() error {
	for {
		_, err := unix.Write(w.fd, w.one[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: counter saturated, already readable
			return nil
		case unix.EINTR:
			continue
		default:
			return err
		}
	}
}

func (w *eventfdWaker) Drain() {
	for {
		_, err := unix.Read(w.fd, w.buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (w *eventfdWaker) Fd() int { return w.fd }

func (w *eventfdWaker) Close() error { return unix.Close(w.fd) }
