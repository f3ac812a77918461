// Package certs generates a self-signed CA with server and client
// certificates for running unitd with mutual TLS outside production.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const validity = 365 * 24 * time.Hour

// Client is a client certificate to issue. Role becomes the
// organisational unit, which the server maps to permissions.
type Client struct {
	Name string
	Role string
}

// Files names the generated files, relative to the output directory.
type Files struct {
	CACert     string
	ServerCert string
	ServerKey  string

	// Clients maps a client name to its certificate and key.
	Clients map[string][2]string
}

type issuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// Generate writes ca.crt, server.crt and server.key, plus client-NAME.crt
// and client-NAME.key per client, to dir. hosts are the names and
// addresses the server certificate is valid for.
func Generate(dir string, hosts []string, clients ...Client) (*Files, error) {
	if len(hosts) == 0 {
		return nil, errors.New("at least one server host is required")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}

	ca, err := newCA()
	if err != nil {
		return nil, err
	}

	files := &Files{
		CACert:     filepath.Join(dir, "ca.crt"),
		ServerCert: filepath.Join(dir, "server.crt"),
		ServerKey:  filepath.Join(dir, "server.key"),
		Clients:    make(map[string][2]string),
	}

	if err := writePEM(files.CACert, "CERTIFICATE", ca.cert.Raw, 0644); err != nil {
		return nil, err
	}

	server := &x509.Certificate{
		Subject:     pkix.Name{CommonName: hosts[0]},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			server.IPAddresses = append(server.IPAddresses, ip)
		} else {
			server.DNSNames = append(server.DNSNames, h)
		}
	}

	if err := ca.issue(server, files.ServerCert, files.ServerKey); err != nil {
		return nil, fmt.Errorf("issue server certificate: %w", err)
	}

	for _, c := range clients {
		certPath := filepath.Join(dir, "client-"+c.Name+".crt")
		keyPath := filepath.Join(dir, "client-"+c.Name+".key")

		tmpl := &x509.Certificate{
			Subject: pkix.Name{
				CommonName:         c.Name,
				OrganizationalUnit: []string{c.Role},
			},
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}

		if err := ca.issue(tmpl, certPath, keyPath); err != nil {
			return nil, fmt.Errorf("issue client certificate %s: %w", c.Name, err)
		}

		files.Clients[c.Name] = [2]string{certPath, keyPath}
	}

	return files, nil
}

func newCA() (*issuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	now := time.Now()

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "unitd CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return &issuer{cert: cert, key: key}, nil
}

func (ca *issuer) issue(tmpl *x509.Certificate, certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := serialNumber()
	if err != nil {
		return err
	}

	now := time.Now()

	tmpl.SerialNumber = serial
	tmpl.NotBefore = now.Add(-time.Hour)
	tmpl.NotAfter = now.Add(validity)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return err
	}

	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0600)
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	return serial, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})

	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
