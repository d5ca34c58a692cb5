package discovery

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultMulticastV4 and DefaultMulticastV6 are the well-known discovery
// multicast groups.
const (
	DefaultMulticastV4 = "224.0.0.83:27056"
	DefaultMulticastV6 = "[ff02::686F:6970]:27056"
)

// ResolveScope resolves an IPv6 zone/scope-id: given the address the caller
// intends to bind and an optional user-supplied interface name, it returns
// the scope-id to use for multicast.
//
// Resolution order: (1) an explicit interface name is translated via the
// platform's interface table; (2) the bind address's own scope, if it
// already carries one; (3) the first interface whose address set contains
// the bind IP; (4) 0, letting the OS choose.
func ResolveScope(bindAddr *net.UDPAddr, ifname string) (uint32, error) {
	if ifname != "" {
		ifi, err := net.InterfaceByName(ifname)
		if err != nil {
			return 0, fmt.Errorf("resolve interface %q: %w", ifname, err)
		}
		return uint32(ifi.Index), nil
	}
	if bindAddr.Zone != "" {
		if idx, err := zoneToIndex(bindAddr.Zone); err == nil {
			return idx, nil
		}
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("enumerate interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.IP.To4() == nil && ipnet.IP.Equal(bindAddr.IP) {
				return uint32(ifi.Index), nil
			}
		}
	}
	return 0, nil
}

func zoneToIndex(zone string) (uint32, error) {
	if idx, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(idx), nil
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return uint32(ifi.Index), nil
}

// FixSocketAddr rewrites discoveryMulticast to the default IPv6 group
// (preserving its configured port) and stamps both addresses with the
// resolved scope-id, when bindAddr is IPv6 and either forceV6 is set or
// bindAddr is a non-wildcard address while discoveryMulticast is IPv4. It
// mutates both arguments in place.
func FixSocketAddr(bindAddr *net.UDPAddr, discoveryMulticast *net.UDPAddr, ifname string, forceV6 bool) error {
	if !isV6(bindAddr.IP) {
		return nil
	}
	scope, err := ResolveScope(bindAddr, ifname)
	if err != nil {
		return fmt.Errorf("guess v6 interface: %w", err)
	}
	bindAddr.Zone = zoneName(scope)

	if forceV6 || (!bindAddr.IP.IsUnspecified() && isV4(discoveryMulticast.IP)) {
		def, err := net.ResolveUDPAddr("udp", DefaultMulticastV6)
		if err != nil {
			return fmt.Errorf("parse default v6 multicast group: %w", err)
		}
		def.Port = discoveryMulticast.Port
		def.Zone = zoneName(scope)
		*discoveryMulticast = *def
	}
	return nil
}

func isV4(ip net.IP) bool { return ip != nil && ip.To4() != nil }
func isV6(ip net.IP) bool { return ip != nil && ip.To4() == nil && ip.To16() != nil }

func zoneName(scope uint32) string {
	if scope == 0 {
		return ""
	}
	ifi, err := net.InterfaceByIndex(int(scope))
	if err != nil {
		return ""
	}
	return ifi.Name
}
