//go:build linux

package server

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// kernelRTT reads the kernel's smoothed RTT estimate for a TCP
// connection, in milliseconds.
func kernelRTT(conn net.Conn) (float64, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, errors.New("not a tcp connection")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var info *unix.TCPInfo
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		info, opErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, opErr
	}
	return float64(info.Rtt) / 1000.0, nil
}
