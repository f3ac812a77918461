// Package tlsconfig builds the mutual TLS configuration shared by the unitd
// server and its clients.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config names the certificate material. Server selects whether the
// result verifies clients or the server.
type Config struct {
	CertPath   string
	KeyPath    string
	CACertPath string

	// ServerName is the name clients verify the server certificate
	// against.
	ServerName string
	Server     bool
}

// SetupTLS loads the key pair and CA certificate. Both sides require TLS
// 1.3 and verified peer certificates.
func SetupTLS(config *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	caCert, err := os.ReadFile(config.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if config.Server {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = caCertPool
	} else {
		tlsConfig.ServerName = config.ServerName
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
