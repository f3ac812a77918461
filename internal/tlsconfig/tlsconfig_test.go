//go:build !e2e

package tlsconfig_test

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/unitd/certs"
	"github.com/nixpig/unitd/internal/tlsconfig"
)

func TestSetupTLS(t *testing.T) {
	t.Parallel()

	certDir := t.TempDir()

	files, err := certs.Generate(
		certDir,
		[]string{"localhost"},
		certs.Client{Name: "operator", Role: "operator"},
	)
	if err != nil {
		t.Fatalf("expected to generate certificates: got '%v'", err)
	}

	operator := files.Clients["operator"]

	t.Run("Test server TLS config", func(t *testing.T) {
		t.Parallel()

		tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   files.ServerCert,
			KeyPath:    files.ServerKey,
			CACertPath: files.CACert,
			Server:     true,
		})
		if err != nil {
			t.Fatalf("expected TLS setup not to return error: got '%v'", err)
		}

		if tlsConfig.MinVersion != tls.VersionTLS13 {
			t.Errorf(
				"expected min TLS version: got '%v', want '%v'",
				tlsConfig.MinVersion,
				tls.VersionTLS13,
			)
		}

		if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
			t.Errorf(
				"expected client auth: got '%v', want '%v'",
				tlsConfig.ClientAuth,
				tls.RequireAndVerifyClientCert,
			)
		}

		if tlsConfig.ClientCAs == nil {
			t.Errorf("expected client CAs to be set")
		}
	})

	t.Run("Test client TLS config", func(t *testing.T) {
		t.Parallel()

		tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
			CertPath:   operator[0],
			KeyPath:    operator[1],
			CACertPath: files.CACert,
			ServerName: "localhost",
		})
		if err != nil {
			t.Fatalf("expected TLS setup not to return error: got '%v'", err)
		}

		if tlsConfig.ServerName != "localhost" {
			t.Errorf("expected server name: got '%s', want 'localhost'", tlsConfig.ServerName)
		}

		if tlsConfig.RootCAs == nil {
			t.Errorf("expected root CAs to be set")
		}

		if tlsConfig.InsecureSkipVerify {
			t.Errorf("expected insecure skip verify to be false")
		}
	})

	t.Run("Test error paths", func(t *testing.T) {
		t.Parallel()

		garbage := filepath.Join(t.TempDir(), "garbage.crt")
		if err := os.WriteFile(garbage, []byte("not a certificate"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}

		scenarios := map[string]tlsconfig.Config{
			"Test missing key pair": {
				CertPath:   filepath.Join(certDir, "missing.crt"),
				KeyPath:    files.ServerKey,
				CACertPath: files.CACert,
			},
			"Test missing CA": {
				CertPath:   files.ServerCert,
				KeyPath:    files.ServerKey,
				CACertPath: filepath.Join(certDir, "missing.crt"),
			},
			"Test invalid CA": {
				CertPath:   files.ServerCert,
				KeyPath:    files.ServerKey,
				CACertPath: garbage,
			},
		}

		for scenario, config := range scenarios {
			t.Run(scenario, func(t *testing.T) {
				if _, err := tlsconfig.SetupTLS(&config); err == nil {
					t.Errorf("expected error")
				}
			})
		}
	})
}
