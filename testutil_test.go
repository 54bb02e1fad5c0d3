package certsentinel

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// selfSignedPEM returns a PEM-encoded self-signed certificate for cn with
// the given expiry.
func selfSignedPEM(t *testing.T, cn string, notAfter time.Time) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func parsePEM(t *testing.T, pemBytes []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

// writeStoreFile writes a valid acme.json at path with one certificate
// entry per domain→PEM pair.
func writeStoreFile(t *testing.T, path, resolver, email string, certs map[string][]byte) {
	t.Helper()

	entry := &resolverEntry{
		Account:      &storeAccount{Email: email},
		Certificates: []storeCertificate{},
	}
	for domain, pemBytes := range certs {
		entry.Certificates = append(entry.Certificates, storeCertificate{
			Domain:      storeDomain{Main: domain},
			Certificate: base64.StdEncoding.EncodeToString(pemBytes),
			Key:         base64.StdEncoding.EncodeToString([]byte("key")),
			Store:       "default",
		})
	}
	doc := storeDocument{resolver: entry}
	data, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "acme.json")
	store := NewStore(path, "letsencrypt", filepath.Join(dir, "backups"), DefaultBackupRetain, testLogger())
	return store, path
}
