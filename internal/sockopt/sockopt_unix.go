//go:build !windows

package sockopt

import "golang.org/x/sys/unix"

// setReuseAddrPort sets SO_REUSEADDR and SO_REUSEPORT on fd. Both are
// required for three independent sockets (STUN maintainer, forwarder
// listener, heartbeat client) to successfully bind the same local port.
func setReuseAddrPort(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
