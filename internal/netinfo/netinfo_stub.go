//go:build !linux

package netinfo

import (
	"errors"
	"net"
)

func RouteTo(_ net.IP) (Route, error) {
	return Route{}, errors.New("route lookup is only supported on linux")
}
