package config

import (
	"github.com/thushan/loginproxy/internal/core/domain"
)

// Validate checks a loaded Config for the combinations that would otherwise
// only fail at runtime: a bad listener port, an empty destination list, or
// an SSL mode the dialer doesn't recognise.
func Validate(c *Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &domain.ConfigValidationError{Field: "server.port", Value: c.Server.Port, Reason: "must be between 1 and 65535"}
	}

	if len(c.Destinations.Static) == 0 {
		return &domain.ConfigValidationError{Field: "destinations.static", Value: nil, Reason: "must list at least one destination"}
	}

	for _, dest := range c.Destinations.Static {
		if dest.Host == "" {
			return &domain.ConfigValidationError{Field: "destinations.static[].host", Value: dest.Name, Reason: "host must not be empty"}
		}
		if dest.Port <= 0 || dest.Port > 65535 {
			return &domain.ConfigValidationError{Field: "destinations.static[].port", Value: dest.Port, Reason: "must be between 1 and 65535"}
		}
		switch dest.SSL {
		case "", "none", "yes", "starttls":
		default:
			return &domain.ConfigValidationError{Field: "destinations.static[].ssl", Value: dest.SSL, Reason: "must be one of none, yes, starttls"}
		}
	}

	if c.Proxy.MaxReconnects < 0 {
		return &domain.ConfigValidationError{Field: "proxy.max_reconnects", Value: c.Proxy.MaxReconnects, Reason: "must be non-negative"}
	}

	return nil
}
