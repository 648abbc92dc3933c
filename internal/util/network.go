package util

import (
	"fmt"
	"net"
	"strings"
)

// IsIPInTrustedCIDRs reports whether ip falls within any of the given
// networks, used to decide whether an accepted client is trusted enough to
// have its XCLIENT fields honoured by the backend.
func IsIPInTrustedCIDRs(ip net.IP, trustedCIDRs []*net.IPNet) bool {
	for _, cidr := range trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedCIDRs parses the proxy.trusted_networks config list into
// matchable networks, skipping blank entries.
func ParseTrustedCIDRs(cidrStrings []string) ([]*net.IPNet, error) {
	if len(cidrStrings) == 0 {
		return nil, nil
	}

	var cidrs []*net.IPNet
	for _, cidrStr := range cidrStrings {
		cidrStr = strings.TrimSpace(cidrStr)
		if cidrStr == "" {
			continue
		}

		_, network, err := net.ParseCIDR(cidrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidrStr, err)
		}
		cidrs = append(cidrs, network)
	}

	return cidrs, nil
}
