package netinfo

import "net"

// Route describes the kernel's chosen path toward a probe target.
type Route struct {
	Interface string
	Gateway   net.IP
	Source    net.IP
}
