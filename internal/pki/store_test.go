package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "evse.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"evse.local"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

func TestStore_SetGet(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	certPEM, keyPEM := selfSigned(t)

	_, err = s.Get(ServerCert)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ServerCert, certPEM))
	require.NoError(t, s.Set(ServerKey, keyPEM))

	got, err := s.Get(ServerCert)
	require.NoError(t, err)
	assert.Equal(t, certPEM, got)

	cert, err := s.Certificate()
	require.NoError(t, err)
	assert.Len(t, cert.Certificate, 1)
}

func TestStore_Changes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	certPEM, _ := selfSigned(t)

	require.NoError(t, s.Set(RootCA, certPEM))
	select {
	case k := <-s.Changes():
		assert.Equal(t, RootCA, k)
	default:
		t.Fatal("expected a change notification")
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	certPEM, _ := selfSigned(t)
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(RootCA, certPEM))

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get(RootCA)
	require.NoError(t, err)
	assert.Equal(t, certPEM, got)
}

func TestStore_RejectsInvalid(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	certPEM, keyPEM := selfSigned(t)

	assert.ErrorIs(t, s.Set(ServerCert, []byte("not pem")), ErrInvalidPEM)
	assert.ErrorIs(t, s.Set(ServerCert, keyPEM), ErrInvalidPEM)
	assert.ErrorIs(t, s.Set(ServerKey, certPEM), ErrInvalidPEM)
	assert.ErrorIs(t, s.Set(Kind("bogus"), certPEM), ErrUnknownKind)

	_, err = s.Get(ServerCert)
	assert.ErrorIs(t, err, ErrNotFound)
	select {
	case k := <-s.Changes():
		t.Fatalf("unexpected change for %s", k)
	default:
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("server_key")
	require.NoError(t, err)
	assert.Equal(t, ServerKey, k)

	_, err = ParseKind("client_cert")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
