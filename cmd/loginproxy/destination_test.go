package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thushan/loginproxy/internal/config"
	"github.com/thushan/loginproxy/internal/core/ports"
)

func TestPickDestinationChoosesHighestPriority(t *testing.T) {
	destinations := []config.DestinationConfig{
		{Name: "a", Priority: 1},
		{Name: "b", Priority: 5},
		{Name: "c", Priority: 3},
	}

	best, err := pickDestination(destinations)
	assert.NoError(t, err)
	assert.Equal(t, "b", best.Name)
}

func TestPickDestinationTiesKeepFirst(t *testing.T) {
	destinations := []config.DestinationConfig{
		{Name: "first", Priority: 5},
		{Name: "second", Priority: 5},
	}

	best, err := pickDestination(destinations)
	assert.NoError(t, err)
	assert.Equal(t, "first", best.Name)
}

func TestPickDestinationErrorsOnEmpty(t *testing.T) {
	_, err := pickDestination(nil)
	assert.Error(t, err)
}

func TestResolveDestinationAcceptsLiteralIP(t *testing.T) {
	dest, err := resolveDestination(config.DestinationConfig{Host: "10.0.0.5", Port: 110})
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.5", dest.IP)
	assert.Equal(t, 110, dest.Port)
}

func TestSslFlags(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      config.DestinationConfig
		expected ports.SslFlag
	}{
		{"none", config.DestinationConfig{SSL: "none"}, ports.SslNone},
		{"yes", config.DestinationConfig{SSL: "yes"}, ports.SslYes},
		{"starttls", config.DestinationConfig{SSL: "starttls"}, ports.SslStartTLS},
		{"yes with any_cert", config.DestinationConfig{SSL: "yes", AnyCert: true}, ports.SslYes | ports.SslAnyCert},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, sslFlags(tc.cfg))
		})
	}
}
