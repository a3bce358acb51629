package core

import (
	"errors"
	"io"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by non-blocking socket I/O when the kernel has
// no data to read or no room to write
var ErrWouldBlock = errors.New("operation would block")

// Socket is a non-blocking connected stream socket
type Socket interface {
	Fd() int
	// Read returns io.EOF when the peer has closed its side
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// fdSocket is a Socket over a raw non-blocking descriptor
type fdSocket struct {
	fd     int
	remote string
	closed atomic.Bool
}

func newFdSocket(fd int, remote string) *fdSocket {
	return &fdSocket{fd: fd, remote: remote}
}

func (s *fdSocket) Fd() int { return s.fd }

func (s *fdSocket) RemoteAddr() string { return s.remote }

func (s *fdSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *fdSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

func (s *fdSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(s.fd)
}

// writeSome writes p until it is fully written or the socket would block.
// It returns the number of bytes written; ErrWouldBlock is not an error.
func writeSome(sock Socket, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := sock.Write(p[total:])
		total += n
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrUnix:
		return a.Name
	default:
		return ""
	}
}
