package netutil

import (
	"net"
	"net/netip"
	"strings"
)

// interfaceAddrs is swapped in tests.
var interfaceAddrs = func() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// LocalIPv4s returns the IPv4 addresses of every up, non-loopback
// interface.
func LocalIPv4s() ([]net.IP, error) {
	addrs, err := interfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			ips = append(ips, v4)
		}
	}
	return ips, nil
}

func LocalIPv4Strings() ([]string, error) {
	ips, err := LocalIPv4s()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out, nil
}

func IsIPv4(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	return err == nil && ip.Is4()
}

// FilterIPv4 keeps the parseable IPv4 entries of addrs, in order, without
// duplicates.
func FilterIPv4(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if !IsIPv4(a) {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// IsSameNetwork reports whether two IPv4 addresses share their first two
// octets. This is a cheap LAN heuristic, not a subnet check.
func IsSameNetwork(a, b string) bool {
	ipA, errA := netip.ParseAddr(a)
	ipB, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil || !ipA.Is4() || !ipB.Is4() {
		return false
	}
	octA, octB := ipA.As4(), ipB.As4()
	return octA[0] == octB[0] && octA[1] == octB[1]
}

// IsPrivateIPv4 accepts the RFC 1918 ranges only. Loopback and public
// addresses are rejected.
func IsPrivateIPv4(addr string) bool {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	return err == nil && ip.Is4() && ip.IsPrivate()
}

// IsNetworkUnavailable matches the errors an mDNS library returns when no
// usable multicast interface exists.
func IsNetworkUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "address not available") ||
		strings.Contains(msg, "no multicast interfaces")
}
