package util

import (
	"net"
	"strings"
)

// IsValidCIDR reports whether s is a single IP address or CIDR notation.
func IsValidCIDR(s string) bool {
	if ip := net.ParseIP(s); ip != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// IPMatchesCIDR checks if ip equals a single address or falls inside a CIDR block.
func IPMatchesCIDR(ip net.IP, cidr string) bool {
	if ip == nil {
		return false
	}
	if single := net.ParseIP(cidr); single != nil {
		return ip.Equal(single)
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}

// IPInList checks ip against a comma-separated list of addresses and CIDR blocks.
// Invalid entries are ignored.
func IPInList(ip net.IP, list string) bool {
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if IPMatchesCIDR(ip, entry) {
			return true
		}
	}
	return false
}
