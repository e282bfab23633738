//go:build windows

package sockopt

import "golang.org/x/sys/windows"

// setReuseAddrPort sets SO_REUSEADDR on fd. Windows has no SO_REUSEPORT
// equivalent; port co-binding across the STUN maintainer, forwarder
// listener, and heartbeat client is POSIX-only by design (spec §3).
func setReuseAddrPort(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
