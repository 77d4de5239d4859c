package stakingcfg

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// splitNetwork separates an optional "network://" or "network:" prefix.
// Anything that is not a known network name is left as part of the address.
func splitNetwork(raw string) (network, addr string) {
	if n, a, ok := strings.Cut(raw, "://"); ok {
		return n, a
	}
	if n, a, ok := strings.Cut(raw, ":"); ok {
		switch n {
		case "tcp", "tcp4", "tcp6", "unix", "unixpacket":
			return n, a
		}
	}
	return "tcp", raw
}

// hostPort fills in the default port, and localhost for a bare port number.
func hostPort(addr, defaultPort string) string {
	if _, err := strconv.Atoi(addr); err == nil {
		return net.JoinHostPort("localhost", addr)
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defaultPort)
}

// ParseListener resolves one listen address. Only tcp and unix sockets are
// accepted.
func ParseListener(raw, defaultPort string) (net.Addr, error) {
	network, addr := splitNetwork(raw)
	switch network {
	case "unix", "unixpacket":
		return net.ResolveUnixAddr(network, addr)
	case "tcp", "tcp4", "tcp6":
		return net.ResolveTCPAddr(network, hostPort(addr, defaultPort))
	default:
		return nil, fmt.Errorf("listener %q: network %s is not supported", raw, network)
	}
}

// NormalizeAddresses resolves addrs, dropping duplicates.
func NormalizeAddresses(addrs []string, defaultPort string) ([]net.Addr, error) {
	out := make([]net.Addr, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, raw := range addrs {
		a, err := ParseListener(raw, defaultPort)
		if err != nil {
			return nil, err
		}
		if seen[a.String()] {
			continue
		}
		seen[a.String()] = true
		out = append(out, a)
	}
	return out, nil
}
