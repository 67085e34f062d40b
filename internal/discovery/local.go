package discovery

import (
	"errors"
	"net"
	"net/netip"
)

// ErrNoAddress is returned when no interface carries a usable IPv4 address.
var ErrNoAddress = errors.New("discovery: no non-loopback IPv4 address")

// LocalIPv4 returns the first IPv4 address of an up, non-loopback interface.
// The server advertises it when no address is configured.
func LocalIPv4() (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if addr, ok := firstIPv4(addrs); ok {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrNoAddress
}

func firstIPv4(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() && !addr.IsLoopback() && !addr.IsUnspecified() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
