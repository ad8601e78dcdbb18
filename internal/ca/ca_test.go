package ca

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureRootCreatesAndReloadsIdentically(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureRoot(dir)
	if err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	second, err := EnsureRoot(dir)
	if err != nil {
		t.Fatalf("EnsureRoot (reload): %v", err)
	}

	if !bytes.Equal(first.RootCertPEM(), second.RootCertPEM()) {
		t.Fatalf("reloaded root certificate PEM differs from the original")
	}
	if !bytes.Equal(first.RootKeyPEM(), second.RootKeyPEM()) {
		t.Fatalf("reloaded root key PEM differs from the original")
	}
}

func TestEnsureRootRefusesHalfMissingPair(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureRoot(dir); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, rootKeyFile)); err != nil {
		t.Fatalf("removing key file: %v", err)
	}

	if _, err := EnsureRoot(dir); err == nil {
		t.Fatalf("expected EnsureRoot to refuse regenerating with only the cert present")
	}
}

func TestRootCertificateShape(t *testing.T) {
	dir := t.TempDir()
	c, err := EnsureRoot(dir)
	if err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	block, _ := pem.Decode(c.RootCertPEM())
	if block == nil {
		t.Fatalf("decoding root cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing root cert: %v", err)
	}

	if !cert.IsCA {
		t.Fatalf("expected root certificate to be a CA certificate")
	}
	if !cert.BasicConstraintsValid {
		t.Fatalf("expected BasicConstraints to be marked valid/critical")
	}
	want := x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	if cert.KeyUsage != want {
		t.Fatalf("unexpected KeyUsage: got %v want %v", cert.KeyUsage, want)
	}
	if cert.SerialNumber.BitLen() == 0 || cert.SerialNumber.BitLen() > 160 {
		t.Fatalf("serial number bit length out of range: %d", cert.SerialNumber.BitLen())
	}
}

func TestIssueLeafChainsToRootAndSetsSAN(t *testing.T) {
	dir := t.TempDir()
	c, err := EnsureRoot(dir)
	if err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	leafPEM, keyPEM, err := c.IssueLeaf("example.test")
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	if len(keyPEM) == 0 {
		t.Fatalf("expected non-empty leaf key PEM")
	}

	block, _ := pem.Decode(leafPEM)
	if block == nil {
		t.Fatalf("decoding leaf cert PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing leaf cert: %v", err)
	}

	rootBlock, _ := pem.Decode(c.RootCertPEM())
	root, err := x509.ParseCertificate(rootBlock.Bytes)
	if err != nil {
		t.Fatalf("parsing root cert: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}}); err != nil {
		t.Fatalf("leaf does not chain to root: %v", err)
	}

	found := false
	for _, name := range leaf.DNSNames {
		if name == "example.test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SAN DNS:example.test, got %v", leaf.DNSNames)
	}
}

func TestIssueLeafIsCachedPerHost(t *testing.T) {
	dir := t.TempDir()
	c, err := EnsureRoot(dir)
	if err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	leaf1, _, err := c.IssueLeaf("cached.test")
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}
	leaf2, _, err := c.IssueLeaf("cached.test")
	if err != nil {
		t.Fatalf("IssueLeaf (again): %v", err)
	}

	if !bytes.Equal(leaf1, leaf2) {
		t.Fatalf("expected repeated IssueLeaf for the same host to hit the cache")
	}
}
