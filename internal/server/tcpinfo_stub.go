//go:build !linux

package server

import (
	"errors"
	"net"
)

func kernelRTT(_ net.Conn) (float64, error) {
	return 0, errors.New("tcp_info is only supported on linux")
}
