// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsconfig builds listener and outbound TLS configurations from
// certificate files.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Client certificate policies.
const (
	ClientAuthNone    = "none"
	ClientAuthRequest = "request"
	ClientAuthRequire = "require"
)

var (
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadClientCA = errors.New("failed to load client CA")
	errAppendCA     = errors.New("failed to append client CA")
	errLoadRootCA   = errors.New("failed to load root CA")
	errAppendRootCA = errors.New("failed to append root CA")
)

// Config describes a listener's TLS settings.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`     // CA certificate for client verification
	ClientAuth string `yaml:"client_auth"` // "none", "request", or "require"
}

// Validate checks an enabled configuration. A disabled one is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("tls cert_file and key_file required when TLS is enabled")
	}
	switch c.ClientAuth {
	case "", ClientAuthNone:
	case ClientAuthRequest, ClientAuthRequire:
		if c.CAFile == "" {
			return fmt.Errorf("tls ca_file required when client_auth is '%s'", c.ClientAuth)
		}
	default:
		return fmt.Errorf("tls client_auth must be one of: none, request, require")
	}
	return nil
}

// Load returns nil when TLS is disabled.
func Load(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Join(errLoadClientCA, err)
		}
		config.ClientCAs = x509.NewCertPool()
		if !config.ClientCAs.AppendCertsFromPEM(pem) {
			return nil, errAppendCA
		}
	}

	switch c.ClientAuth {
	case ClientAuthRequest:
		config.ClientAuth = tls.VerifyClientCertIfGiven
	case ClientAuthRequire:
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

// ClientConfig describes TLS settings for outbound connections.
type ClientConfig struct {
	CAFile     string `yaml:"ca_file"`   // Trusted roots; the system pool when empty
	CertFile   string `yaml:"cert_file"` // Client certificate for mutual TLS
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

func (c ClientConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	return nil
}

// LoadClient builds an outbound TLS configuration.
func LoadClient(c ClientConfig) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.ServerName,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Join(errLoadRootCA, err)
		}
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(pem) {
			return nil, errAppendRootCA
		}
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

// SecurityStatus describes c for startup logs.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}
