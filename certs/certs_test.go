//go:build !e2e

package certs_test

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"testing"

	"github.com/nixpig/unitd/certs"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	files, err := certs.Generate(
		dir,
		[]string{"localhost", "127.0.0.1"},
		certs.Client{Name: "alice", Role: "operator"},
	)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	caPEM, err := os.ReadFile(files.CACert)
	if err != nil {
		t.Fatalf("expected to read CA certificate: got '%v'", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatal("expected CA certificate to parse")
	}

	server, err := tls.LoadX509KeyPair(files.ServerCert, files.ServerKey)
	if err != nil {
		t.Fatalf("expected server key pair to load: got '%v'", err)
	}

	if _, err := server.Leaf.Verify(x509.VerifyOptions{
		DNSName: "127.0.0.1",
		Roots:   pool,
	}); err != nil {
		t.Errorf("expected server certificate to verify for 127.0.0.1: got '%v'", err)
	}

	paths, ok := files.Clients["alice"]
	if !ok {
		t.Fatal("expected client certificate for alice")
	}

	client, err := tls.LoadX509KeyPair(paths[0], paths[1])
	if err != nil {
		t.Fatalf("expected client key pair to load: got '%v'", err)
	}

	if _, err := client.Leaf.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("expected client certificate to verify: got '%v'", err)
	}

	if got := client.Leaf.Subject.OrganizationalUnit; len(got) != 1 || got[0] != "operator" {
		t.Errorf("expected client role: got '%v'", got)
	}
}

func TestGenerateRequiresHost(t *testing.T) {
	t.Parallel()

	if _, err := certs.Generate(t.TempDir(), nil); err == nil {
		t.Error("expected error without server hosts")
	}
}
