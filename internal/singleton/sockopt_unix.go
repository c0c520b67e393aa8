//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package singleton

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlBroadcast enables broadcast and address/port reuse on the socket
// before it is bound.
func controlBroadcast(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_BROADCAST, unix.SO_REUSEADDR, unix.SO_REUSEPORT} {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); opErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
