//go:build linux

package registry

import (
	"net"

	"golang.org/x/sys/unix"
)

// Kernel TCP states from include/net/tcp_states.h.
const (
	tcpEstablished = 1
	tcpCloseWait   = 8
)

// socketWritable asks the kernel for the socket's TCP state. A socket whose
// peer has half-closed (CLOSE_WAIT) can still be written to.
func socketWritable(nc net.Conn) bool {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return true
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return false
	}

	var (
		info    *unix.TCPInfo
		infoErr error
	)
	if err := raw.Control(func(fd uintptr) {
		info, infoErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return false
	}
	if infoErr != nil {
		return true
	}

	switch info.State {
	case tcpEstablished, tcpCloseWait:
		return true
	default:
		return false
	}
}
