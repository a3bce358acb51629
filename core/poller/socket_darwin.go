//go:build darwin

package poller

import "golang.org/x/sys/unix"

// Accept takes one pending connection off a listening descriptor. The
// returned descriptor is already non-blocking and close-on-exec.
func Accept(lfd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept(lfd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, nil, err
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			return -1, nil, err
		}
		return nfd, sa, nil
	}
}
