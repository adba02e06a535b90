package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateSelfSigned(t *testing.T, cn string) (certPEM, keyPEM string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return
}

func TestLoadInlinePEMMaterializesAndCleansUpTempFiles(t *testing.T) {
	certPEM, keyPEM := generateSelfSigned(t, "device-42.agents.example")

	id, err := Load(Source{CertPEM: certPEM, KeyPEM: keyPEM})
	require.NoError(t, err)
	require.Equal(t, "device-42.agents.example", id.DeviceID)
	require.NotEmpty(t, id.tempFiles)

	files := append([]string{}, id.tempFiles...)
	id.Close()
	for _, f := range files {
		_, err := os.Stat(f)
		require.True(t, os.IsNotExist(err), "temp file %s should be removed by Close", f)
	}
	id.Close() // idempotent
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(Source{CertPEM: "not pem", KeyPEM: "also not pem"})
	require.Error(t, err)
	var invalid *ErrInvalidCredentials
	require.ErrorAs(t, err, &invalid)
}
