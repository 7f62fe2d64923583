package bridge

import (
	"bufio"
	"fmt"
	"net"
	"strings"
)

// maxProxyLine bounds a PROXY protocol v1 header line (107 bytes).
const maxProxyLine = 107

// parseTrustedProxies parses CIDRs (bare IPs are treated as /32 or /128).
func parseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				entry = fmt.Sprintf("%s/%d", entry, bits)
			}
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("op=proxy.parse entry=%q: %w", entry, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

func ipTrusted(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// readProxyHeader consumes a PROXY protocol v1 line from r and returns the
// real client address. An UNKNOWN header leaves the address as-is.
func readProxyHeader(r *bufio.Reader, fallback string) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("op=proxy.read: %w", err)
	}
	if len(line) > maxProxyLine {
		return "", fmt.Errorf("op=proxy.read: header too long")
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, " ")
	if len(fields) < 2 || fields[0] != "PROXY" {
		return "", fmt.Errorf("op=proxy.read: not a PROXY header")
	}
	if fields[1] == "UNKNOWN" {
		return fallback, nil
	}
	if len(fields) != 6 {
		return "", fmt.Errorf("op=proxy.read: malformed PROXY header")
	}
	if net.ParseIP(fields[2]) == nil {
		return "", fmt.Errorf("op=proxy.read: bad source address %q", fields[2])
	}
	return net.JoinHostPort(fields[2], fields[4]), nil
}
