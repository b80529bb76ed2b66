package transport

import (
	"net"

	"golang.org/x/net/ipv4"
)

const (
	// Large kernel buffers ride out encoder bursts without drops.
	socketBufferBytes = 4 << 20

	// Expedited Forwarding per-hop behavior; most home APs honor it.
	dscpExpeditedForwarding = 46
)

// tuneSocket applies low-latency socket options. Failures are ignored:
// every option is an optimization, not a correctness requirement.
func tuneSocket(conn *net.UDPConn) {
	_ = conn.SetReadBuffer(socketBufferBytes)
	_ = conn.SetWriteBuffer(socketBufferBytes)

	if p := ipv4.NewPacketConn(conn); p != nil {
		_ = p.SetTOS(dscpExpeditedForwarding << 2)
	}

	platformTune(conn)
}
