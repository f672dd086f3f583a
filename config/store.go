package config

import (
	"errors"
	"strings"
)

// StoreConfig tells the binaries how to reach the document store.
type StoreConfig struct {
	// Domain is the store host. A bare host is dialed over https; give a
	// full URL (http://localhost) to override the scheme.
	Domain string `env:"OADA_DOMAIN"`

	// Token is the bearer token presented on every store request.
	Token string `env:"OADA_TOKEN"`
}

// Sanitize normalises the connection fields.
func (c *StoreConfig) Sanitize() {
	c.Domain = strings.TrimSpace(c.Domain)
	c.Token = strings.TrimSpace(c.Token)
}

// Validate checks that a connection can at least be attempted.
func (c *StoreConfig) Validate() error {
	if c.Domain == "" {
		return errors.New("OADA_DOMAIN is required")
	}
	if c.Token == "" {
		return errors.New("OADA_TOKEN is required")
	}
	return nil
}
