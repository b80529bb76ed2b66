//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// platformTune raises the socket's qdisc priority and enables busy polling
// so the send path doesn't sit behind bulk traffic on the host NIC.
func platformTune(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BUSY_POLL, 50)
	})
}
