package main

import (
	"fmt"
	"net"

	"github.com/thushan/loginproxy/internal/config"
	"github.com/thushan/loginproxy/internal/core/domain"
	"github.com/thushan/loginproxy/internal/core/ports"
)

// pickDestination chooses the highest-priority static destination, ties
// broken by configuration order. Weighted/health-aware balancing across
// destinations is explicitly out of scope (spec.md's Non-goals).
func pickDestination(destinations []config.DestinationConfig) (config.DestinationConfig, error) {
	if len(destinations) == 0 {
		return config.DestinationConfig{}, fmt.Errorf("no destinations configured")
	}
	best := destinations[0]
	for _, d := range destinations[1:] {
		if d.Priority > best.Priority {
			best = d
		}
	}
	return best, nil
}

// resolveDestination turns a configured destination into the IP-bound
// Destination a ProxyConnection dials, doing the hostname resolution a real
// login daemon's own DNS lookup would otherwise have done.
func resolveDestination(d config.DestinationConfig) (domain.Destination, error) {
	if ip := net.ParseIP(d.Host); ip != nil {
		return domain.Destination{Host: d.Host, IP: d.Host, Port: d.Port}, nil
	}

	addrs, err := net.LookupHost(d.Host)
	if err != nil {
		return domain.Destination{}, fmt.Errorf("resolving %s: %w", d.Host, err)
	}
	if len(addrs) == 0 {
		return domain.Destination{}, fmt.Errorf("no addresses found for %s", d.Host)
	}
	return domain.Destination{Host: d.Host, IP: addrs[0], Port: d.Port}, nil
}

// sslFlags maps the configured SSL mode to the dialer bitset.
func sslFlags(d config.DestinationConfig) ports.SslFlag {
	flags := ports.SslNone
	switch d.SSL {
	case "yes":
		flags = ports.SslYes
	case "starttls":
		flags = ports.SslStartTLS
	}
	if d.AnyCert {
		flags |= ports.SslAnyCert
	}
	return flags
}
