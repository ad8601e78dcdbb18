// Package ca implements the local certificate authority: a self-signed root
// generated once and persisted, and per-host leaf certificates minted on
// demand and signed by that root (spec §4.1).
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// RootKeyBits is the RSA key size for the root certificate.
	RootKeyBits = 2048
	// RootNotBefore is how far in the past the root's validity window starts,
	// giving slack for clock skew between this host and relying parties.
	RootNotBefore = -24 * time.Hour
	// RootValidityDays is the root certificate lifetime (spec: now-1d .. now+3650d).
	RootValidityDays = 3650

	// LeafKeyBits is the RSA key size for minted leaf certificates.
	LeafKeyBits = 2048
	// LeafNotBefore mirrors RootNotBefore for leaves.
	LeafNotBefore = -24 * time.Hour
	// LeafValidityDays is the leaf certificate lifetime (spec: now-1d .. now+825d).
	LeafValidityDays = 825

	// DefaultLeafCacheSize bounds the in-memory leaf certificate cache.
	DefaultLeafCacheSize = 1000

	rootCertFile = "ca.pem"
	rootKeyFile  = "ca.key"
)

// CA is the on-disk root certificate/key plus an in-memory cache of leaf
// certificates minted for hosts seen so far (spec §3 CertificateAuthority).
type CA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte

	mu       sync.Mutex
	cache    map[string]*tls.Certificate
	order    []string // LRU order, oldest first
	maxCache int
}

// EnsureRoot loads the persisted root certificate and key from dir, creating
// them on first invocation. If exactly one of the two files is missing, this
// is an error: the implementation must never mint a new root that would
// invalidate previously trusted deployments (spec §4.1 Failure).
func EnsureRoot(dir string) (*CA, error) {
	certPath := filepath.Join(dir, rootCertFile)
	keyPath := filepath.Join(dir, rootKeyFile)

	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	switch {
	case certExists && keyExists:
		return loadRoot(certPath, keyPath)
	case !certExists && !keyExists:
		return createRoot(dir, certPath, keyPath)
	default:
		return nil, fmt.Errorf("ca: %s exists without its counterpart in %s; refusing to regenerate the root", onePresent(certExists, certPath, keyPath), dir)
	}
}

func onePresent(certExists bool, certPath, keyPath string) string {
	if certExists {
		return certPath
	}
	return keyPath
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadRoot(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading root certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading root key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("decoding root certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("decoding root key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root key: %w", err)
	}

	return newCA(cert, key, certPEM, keyPEM), nil
}

func createRoot(dir, certPath, keyPath string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, RootKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating root serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "lokiproxy Local CA",
		},
		Issuer: pkix.Name{
			CommonName: "lokiproxy Local CA",
		},
		NotBefore:             time.Now().Add(RootNotBefore),
		NotAfter:              time.Now().AddDate(0, 0, RootValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing created root certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing root certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing root key: %w", err)
	}

	return newCA(cert, key, certPEM, keyPEM), nil
}

func newCA(cert *x509.Certificate, key *rsa.PrivateKey, certPEM, keyPEM []byte) *CA {
	return &CA{
		cert:     cert,
		key:      key,
		certPEM:  certPEM,
		keyPEM:   keyPEM,
		cache:    make(map[string]*tls.Certificate),
		maxCache: DefaultLeafCacheSize,
	}
}

// RootCertPEM returns the PEM-encoded self-signed root certificate.
func (c *CA) RootCertPEM() []byte { return c.certPEM }

// RootKeyPEM returns the PEM-encoded (PKCS#1, unencrypted) root private key.
func (c *CA) RootKeyPEM() []byte { return c.keyPEM }

// IssueLeaf mints a fresh leaf certificate for hostname, signed by the root.
// It returns the PEM encodings of the leaf certificate and leaf key. Repeated
// calls for the same hostname are served from an in-memory LRU cache.
func (c *CA) IssueLeaf(hostname string) (certPEM, keyPEM []byte, err error) {
	cert, err := c.getOrMint(hostname)
	if err != nil {
		return nil, nil, err
	}
	leafDER := cert.Certificate[0]
	leafCert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing minted leaf: %w", err)
	}
	rsaKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("minted leaf key is not RSA")
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafCert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	return certPEM, keyPEM, nil
}

// GetCertificate adapts the leaf cache to crypto/tls's GetCertificate hook,
// for a future MITM TLS server built on this CA (spec §9 Open Question (c)).
func (c *CA) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("ca: no server name in ClientHello")
		}
	}
	return c.getOrMint(host)
}

func (c *CA) getOrMint(host string) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cert, ok := c.cache[host]; ok {
		c.touchLocked(host)
		return cert, nil
	}

	cert, err := c.mintLocked(host)
	if err != nil {
		return nil, fmt.Errorf("minting certificate for %s: %w", host, err)
	}

	if len(c.cache) >= c.maxCache {
		c.evictOldestLocked()
	}
	c.cache[host] = cert
	c.order = append(c.order, host)
	return cert, nil
}

func (c *CA) mintLocked(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, LeafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating leaf serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             time.Now().Add(LeafNotBefore),
		NotAfter:              time.Now().AddDate(0, 0, LeafValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.cert, &key.PublicKey, c.key)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, c.cert.Raw},
		PrivateKey:  key,
	}, nil
}

func (c *CA) touchLocked(host string) {
	for i, h := range c.order {
		if h == host {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, host)
}

func (c *CA) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.cache, oldest)
}

// randomSerial returns a cryptographically random positive 160-bit integer
// (spec §4.1: "Serial numbers are random 160-bit integers").
func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 160)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	return serial.Add(serial, big.NewInt(1)), nil
}
