//go:build linux

package poller

import "golang.org/x/sys/unix"

// Accept takes one pending connection off a listening descriptor. The
// returned descriptor is already non-blocking and close-on-exec.
func Accept(lfd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		return nfd, sa, err
	}
}
