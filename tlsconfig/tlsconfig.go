// Package tlsconfig holds the TLS-enablement config struct taken by
// sockpuppet's DialAsyncTLS and ListenAsyncTLS. The root package imports
// crypto/tls itself (tls_async.go), so importing sockpuppet always links
// crypto/tls whether or not TLS is enabled.
//
// A zero Config is disabled; enabling it on a UDP socket is rejected by
// Validate since TLS has no datagram framing here.
package tlsconfig

import (
	"crypto/tls"
	"errors"
)

// Config is a thin TLS-enablement wrapper: a disabled flag plus the
// standard library's *tls.Config, with per-protocol validation.
type Config struct {
	Enabled    bool
	TLS        *tls.Config
	ServerName string // used to default TLS.ServerName for clients
}

// ErrDatagramTLS is returned by Validate when TLS is enabled on a
// datagram (UDP) network: TLS here is stream-oriented only.
var ErrDatagramTLS = errors.New("tlsconfig: TLS is not supported on datagram sockets")

// ErrMissingConfig is returned when Enabled is true but no *tls.Config
// was supplied.
var ErrMissingConfig = errors.New("tlsconfig: TLS enabled without a *tls.Config")

// Validate checks the config is internally consistent for the given
// socket kind. isDatagram should be true for UDP sockets.
func (c Config) Validate(isDatagram bool) error {
	if !c.Enabled {
		return nil
	}
	if isDatagram {
		return ErrDatagramTLS
	}
	if c.TLS == nil {
		return ErrMissingConfig
	}
	return nil
}

// ClientConfig returns a copy of c.TLS with ServerName defaulted from c,
// for use as the tls.Client's config.
func (c Config) ClientConfig() *tls.Config {
	if c.TLS == nil {
		return &tls.Config{ServerName: c.ServerName}
	}
	cfg := c.TLS.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.ServerName
	}
	return cfg
}
