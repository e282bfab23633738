// Package sockopt sets the socket options that let the STUN maintainer's
// outbound socket, the forwarder's listener, and the heartbeat client's
// socket all bind the same local port at once — the mechanism the NAT
// hole-punch depends on.
package sockopt

import (
	"net"
	"syscall"
)

// ListenConfig returns a net.ListenConfig whose Control callback sets
// SO_REUSEADDR and, on POSIX, SO_REUSEPORT on every socket it creates, so
// the forwarder's listener can co-bind the same local port as the STUN
// maintainer and heartbeat client.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: control}
}

// Dialer returns a net.Dialer whose Control callback applies the same
// SO_REUSEADDR/SO_REUSEPORT treatment before connect, so an outbound
// socket can still bind the shared local port.
func Dialer() net.Dialer {
	return net.Dialer{Control: control}
}

func control(_, _ string, c syscall.RawConn) error {
	var controlErr error
	err := c.Control(func(fd uintptr) {
		controlErr = setReuseAddrPort(fd)
	})
	if err != nil {
		return err
	}
	return controlErr
}
