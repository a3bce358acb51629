//go:build darwin

package poller

import "golang.org/x/sys/unix"

// pipeWaker wakes a blocked Wait by writing into a non-blocking pipe.
// Bytes stay in the pipe until Drain, so wakes are sticky.
type pipeWaker struct {
	r, w int
	buf  [64]byte
}

// NewWaker creates a Waker (macOS)
func NewWaker() (Waker, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &pipeWaker{r: fds[0], w: fds[1]}, nil
}

func (w *pipeWaker) Wake() error {
	for {
		_, err := unix.Write(w.w, []byte{1})
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: pipe full, already readable
			return nil
		case unix.EINTR:
			continue
		default:
			return err
		}
	}
}

func (w *pipeWaker) Drain() {
	for {
		n, err := unix.Read(w.r, w.buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(w.buf) {
			return
		}
	}
}

func (w *pipeWaker) Fd() int { return w.r }

func (w *pipeWaker) Close() error {
	unix.Close(w.w)
	return unix.Close(w.r)
}
