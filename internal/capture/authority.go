package capture

import (
	"crypto"
	"crypto/ecdsa"
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
	"strings"
	"sync"
	"time"

	"github.com/sessioncap/sessioncap/internal/errors"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	caCommonName = "sessioncap Local CA"
)

// Authority signs per-host leaf certificates with a locally trusted CA.
type Authority struct {
	cert    *x509.Certificate
	key     crypto.Signer
	certPEM []byte

	mu     sync.RWMutex
	leaves map[string]*tls.Certificate
}

// CheckCertFiles verifies that both CA files exist. It does not parse them.
func CheckCertFiles(certFile, keyFile string) error {
	if _, err := os.Stat(certFile); err != nil {
		return &errors.PreconditionError{Resource: "ca certificate", Path: certFile, Err: err}
	}
	if _, err := os.Stat(keyFile); err != nil {
		return &errors.PreconditionError{Resource: "ca key", Path: keyFile, Err: err}
	}
	return nil
}

// LoadAuthority reads a PEM CA certificate and its private key.
func LoadAuthority(certFile, keyFile string) (*Authority, error) {
	if err := CheckCertFiles(certFile, keyFile); err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, &errors.PreconditionError{Resource: "ca certificate", Path: certFile, Err: err}
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, &errors.PreconditionError{Resource: "ca certificate", Path: certFile, Err: fmt.Errorf("no PEM certificate block")}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &errors.PreconditionError{Resource: "ca certificate", Path: certFile, Err: err}
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, &errors.PreconditionError{Resource: "ca key", Path: keyFile, Err: err}
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, &errors.PreconditionError{Resource: "ca key", Path: keyFile, Err: err}
	}

	return newAuthority(cert, key, certPEM), nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM key block")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported key format %q", block.Type)
	}
	switch signer := k.(type) {
	case *rsa.PrivateKey:
		return signer, nil
	case *ecdsa.PrivateKey:
		return signer, nil
	case crypto.Signer:
		return signer, nil
	default:
		return nil, fmt.Errorf("key type %T cannot sign", k)
	}
}

// GenerateAuthority creates a new self-signed CA and writes it to certFile and
// keyFile. Existing files are kept unless force is set.
func GenerateAuthority(certFile, keyFile string, force bool) (*Authority, error) {
	if !force {
		for _, p := range []string{certFile, keyFile} {
			if _, err := os.Stat(p); err == nil {
				return nil, fmt.Errorf("%s already exists", p)
			}
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caCommonName,
			Organization: []string{"sessioncap"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	for _, p := range []string{certFile, keyFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: filepath.Dir(p), Err: err}
		}
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return nil, err
	}

	return newAuthority(cert, key, certPEM), nil
}

func newAuthority(cert *x509.Certificate, key crypto.Signer, certPEM []byte) *Authority {
	return &Authority{
		cert:    cert,
		key:     key,
		certPEM: certPEM,
		leaves:  make(map[string]*tls.Certificate),
	}
}

// Certificate returns the CA certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// CertPEM returns the PEM encoding of the CA certificate.
func (a *Authority) CertPEM() []byte {
	return a.certPEM
}

// Pool returns a cert pool that trusts only this CA.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// LeafFor returns a cached or freshly minted certificate for host.
func (a *Authority) LeafFor(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, fmt.Errorf("empty host")
	}

	a.mu.RLock()
	leaf, ok := a.leaves[host]
	a.mu.RUnlock()
	if ok && time.Now().Before(leaf.Leaf.NotAfter) {
		return leaf, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if leaf, ok := a.leaves[host]; ok && time.Now().Before(leaf.Leaf.NotAfter) {
		return leaf, nil
	}
	leaf, err := a.mint(host)
	if err != nil {
		return nil, err
	}
	a.leaves[host] = leaf
	return leaf, nil
}

func (a *Authority) mint(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	notAfter := now.Add(leafValidity)
	if notAfter.After(a.cert.NotAfter) {
		notAfter = a.cert.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", host, err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  key,
		Leaf:        parsed,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// normalizeHost strips any port and brackets and lowercases the name.
func normalizeHost(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(strings.TrimSpace(host))
}
