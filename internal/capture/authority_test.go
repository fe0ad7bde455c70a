package capture

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	dir := t.TempDir()
	a, err := GenerateAuthority(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"), false)
	require.NoError(t, err)
	return a
}

func TestCheckCertFiles_Missing(t *testing.T) {
	dir := t.TempDir()
	err := CheckCertFiles(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	require.Error(t, err)

	var pre *errors.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, "ca certificate", pre.Resource)
	assert.Equal(t, "precondition", errors.Kind(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestGenerateAndLoadAuthority(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "ca.crt")
	keyFile := filepath.Join(dir, "certs", "ca.key")

	generated, err := GenerateAuthority(certFile, keyFile, false)
	require.NoError(t, err)
	assert.True(t, generated.Certificate().IsCA)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = GenerateAuthority(certFile, keyFile, false)
	assert.Error(t, err, "existing files are not overwritten without force")

	loaded, err := LoadAuthority(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, generated.Certificate().SerialNumber, loaded.Certificate().SerialNumber)
	assert.Equal(t, generated.CertPEM(), loaded.CertPEM())
}

func TestLoadAuthority_ECKey(t *testing.T) {
	src := newTestAuthority(t)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.crt")
	keyFile := filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certFile, src.CertPEM(), 0644))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600))

	_, err = LoadAuthority(certFile, keyFile)
	assert.NoError(t, err)
}

func TestLoadAuthority_Garbage(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.crt")
	keyFile := filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certFile, []byte("not pem"), 0644))
	require.NoError(t, os.WriteFile(keyFile, []byte("not pem"), 0600))

	_, err := LoadAuthority(certFile, keyFile)
	var pre *errors.PreconditionError
	assert.ErrorAs(t, err, &pre)
}

func TestAuthority_LeafFor(t *testing.T) {
	a := newTestAuthority(t)

	leaf, err := a.LeafFor("MP.Weixin.qq.com:443")
	require.NoError(t, err)
	assert.Equal(t, []string{"mp.weixin.qq.com"}, leaf.Leaf.DNSNames)

	again, err := a.LeafFor("mp.weixin.qq.com")
	require.NoError(t, err)
	assert.Same(t, leaf, again, "leaves are cached per host")

	_, err = leaf.Leaf.Verify(x509.VerifyOptions{
		DNSName: "mp.weixin.qq.com",
		Roots:   a.Pool(),
	})
	assert.NoError(t, err)

	ipLeaf, err := a.LeafFor("127.0.0.1")
	require.NoError(t, err)
	require.Len(t, ipLeaf.Leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", ipLeaf.Leaf.IPAddresses[0].String())

	_, err = a.LeafFor("")
	assert.Error(t, err)
}
