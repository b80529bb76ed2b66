//go:build !linux

package transport

import "net"

func platformTune(*net.UDPConn) {}
