//go:build linux

package netinfo

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// RouteTo asks the kernel which route it would pick for the target, so
// startup logs show the interface and gateway the probes will traverse.
func RouteTo(ip net.IP) (Route, error) {
	routes, err := netlink.RouteGet(ip)
	if err != nil {
		return Route{}, fmt.Errorf("route lookup: %w", err)
	}
	if len(routes) == 0 {
		return Route{}, fmt.Errorf("no route to %s", ip)
	}
	r := routes[0]
	info := Route{Gateway: r.Gw, Source: r.Src}
	if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
		info.Interface = link.Attrs().Name
	}
	return info, nil
}
