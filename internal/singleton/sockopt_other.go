//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package singleton

import "syscall"

// controlBroadcast is a no-op where the unix socket options are unavailable;
// broadcasting may then require elevated privileges.
func controlBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
