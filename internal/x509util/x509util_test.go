package x509util

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSelfSignedCert generates a self-signed certificate for testing.
func newSelfSignedCert(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1234),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Org"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		DNSNames:              []string{strings.ToUpper(cn)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestParseCertificateEncodings(t *testing.T) {
	cert, _ := newSelfSignedCert(t, "parse.example.org")

	t.Run("raw DER", func(t *testing.T) {
		parsed, err := ParseCertificate(cert.Raw)
		require.NoError(t, err)
		assert.Equal(t, cert.SerialNumber, parsed.SerialNumber)
	})

	t.Run("base64 DER", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString(cert.Raw)
		parsed, err := ParseCertificate([]byte(encoded))
		require.NoError(t, err)
		assert.Equal(t, cert.SerialNumber, parsed.SerialNumber)
	})

	t.Run("PEM", func(t *testing.T) {
		parsed, err := ParseCertificate(EncodePEM(cert))
		require.NoError(t, err)
		assert.Equal(t, cert.SerialNumber, parsed.SerialNumber)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseCertificate([]byte("not a certificate at all"))
		assert.ErrorIs(t, err, ErrUnparsable)
	})
}

func TestTBSDigest(t *testing.T) {
	cert, _ := newSelfSignedCert(t, "digest.example.org")
	digest := TBSDigest(cert)

	assert.Equal(t, strings.ToLower(digest), digest, "digest must be lowercased")
	assert.NotEmpty(t, digest)
	// Stable across re-parses of the same bytes.
	reparsed, err := ParseCertificate(cert.Raw)
	require.NoError(t, err)
	assert.Equal(t, digest, TBSDigest(reparsed))

	other, _ := newSelfSignedCert(t, "digest.example.org")
	assert.NotEqual(t, digest, TBSDigest(other), "different keys must yield different digests")
}

func TestSubjectKeyID(t *testing.T) {
	cert, _ := newSelfSignedCert(t, "ski.example.org")

	ski, err := SubjectKeyID(cert.RawSubjectPublicKeyInfo)
	require.NoError(t, err)
	assert.Len(t, ski, 20, "method 1 SKI is a full SHA-1 hash")

	truncated, err := TruncatedSubjectKeyID(cert.RawSubjectPublicKeyInfo)
	require.NoError(t, err)
	assert.Len(t, truncated, 8)
	assert.Equal(t, byte(0x40), truncated[0]&0xf0, "method 2 SKI starts with the 0100 nibble")
	assert.Equal(t, ski[len(ski)-7:], truncated[1:], "low bytes carry over from the full hash")
}

func TestSplitSignatureAlgorithm(t *testing.T) {
	tests := []struct {
		name                 string
		hash, key, padding   string
	}{
		{"sha256withrsa", "sha256", "rsa", ""},
		{"sha512withecdsa", "sha512", "ecdsa", ""},
		{"sha384withrsaandmgf1", "sha384", "rsa", "mgf1"},
		{"ed25519", "", "ed25519", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hash, key, padding := SplitSignatureAlgorithm(tc.name)
			assert.Equal(t, tc.hash, hash)
			assert.Equal(t, tc.key, key)
			assert.Equal(t, tc.padding, padding)
		})
	}
}

func TestSignatureAlgorithmName(t *testing.T) {
	assert.Equal(t, "sha256withrsa", SignatureAlgorithmName(x509.SHA256WithRSA))
	assert.Equal(t, "sha256withrsaandmgf1", SignatureAlgorithmName(x509.SHA256WithRSAPSS))
	assert.Equal(t, "sha256withecdsa", SignatureAlgorithmName(x509.ECDSAWithSHA256))
	assert.Equal(t, "ed25519", SignatureAlgorithmName(x509.PureEd25519))
}

func TestCurveName(t *testing.T) {
	for name, curve := range map[string]elliptic.Curve{
		"P-256": elliptic.P256(),
		"P-384": elliptic.P384(),
	} {
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		require.NoError(t, err)
		got, err := CurveName(&key.PublicKey)
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = CurveName(&rsaKey.PublicKey)
	assert.ErrorIs(t, err, ErrNoCurve)
}

func TestKeyLength(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	assert.Equal(t, 2048, KeyLength(&rsaKey.PublicKey))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, 256, KeyLength(&ecKey.PublicKey))

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, 256, KeyLength(edPub))

	assert.Equal(t, -1, KeyLength("not a key"))
}

func TestKeyUsageRoundTrip(t *testing.T) {
	usage := x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	names := KeyUsageNames(usage)
	assert.Equal(t, []string{"digitalSignature", "keyCertSign", "cRLSign"}, names)
	assert.Equal(t, usage, KeyUsageFromNames(names))

	assert.Equal(t, []string{"unspecified"}, KeyUsageNames(0))
	assert.Equal(t, x509.KeyUsage(0), KeyUsageFromNames([]string{"unspecified", "bogus"}))
}

// newParsedCA builds, signs, and re-parses a self-signed CA so classification
// sees the field conventions of certificates that came off the wire, not
// template literals.
func newParsedCA(t *testing.T, maxPathLen int, maxPathLenZero bool) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "Classify CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            maxPathLen,
		MaxPathLenZero:        maxPathLenZero,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestClassify(t *testing.T) {
	t.Run("end entity", func(t *testing.T) {
		cert, _ := newSelfSignedCert(t, "ee.example.org")
		cert.IsCA = false
		cls := Classify(cert)
		assert.False(t, cls.IsCA)
	})
	t.Run("unconstrained CA", func(t *testing.T) {
		// An absent pathLenConstraint parses back as MaxPathLen -1.
		cert := newParsedCA(t, 0, false)
		assert.Equal(t, -1, cert.MaxPathLen)
		cls := Classify(cert)
		assert.True(t, cls.IsCA)
		assert.True(t, cls.UnconstrainedPathLen)
	})
	t.Run("unconstrained CA template", func(t *testing.T) {
		cls := Classify(&x509.Certificate{BasicConstraintsValid: true, IsCA: true})
		assert.True(t, cls.IsCA)
		assert.True(t, cls.UnconstrainedPathLen)
	})
	t.Run("path length zero", func(t *testing.T) {
		cert := newParsedCA(t, 0, true)
		cls := Classify(cert)
		assert.True(t, cls.IsCA)
		assert.False(t, cls.UnconstrainedPathLen)
		assert.Equal(t, 0, cls.PathLen)
	})
	t.Run("path length three", func(t *testing.T) {
		cert := newParsedCA(t, 3, false)
		cls := Classify(cert)
		assert.True(t, cls.IsCA)
		assert.False(t, cls.UnconstrainedPathLen)
		assert.Equal(t, 3, cls.PathLen)
	})
}

func TestIsSelfSigned(t *testing.T) {
	caCert, caKey := newSelfSignedCert(t, "Root")
	assert.True(t, IsSelfSigned(caCert))

	// A child signed by the CA is not self-signed even though it is signed.
	childKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	childTemplate := x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "child.example.org"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &childTemplate, caCert, &childKey.PublicKey, caKey)
	require.NoError(t, err)
	child, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	assert.False(t, IsSelfSigned(child))

	// DN equality alone is not sufficient: issuer DN copied but signature by
	// another key must not count as self-signed.
	impostorTemplate := x509.Certificate{
		SerialNumber: big.NewInt(100),
		Subject:      caCert.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	impostorDER, err := x509.CreateCertificate(rand.Reader, &impostorTemplate, caCert, &childKey.PublicKey, caKey)
	require.NoError(t, err)
	impostor, err := x509.ParseCertificate(impostorDER)
	require.NoError(t, err)
	assert.False(t, IsSelfSigned(impostor))
}

func TestSubjectAltNames(t *testing.T) {
	cert, _ := newSelfSignedCert(t, "san.example.org")
	names := SubjectAltNames(cert)
	assert.Equal(t, []string{"san.example.org"}, names, "SAN values are lowercased")
}

func TestRDNEntries(t *testing.T) {
	cert, _ := newSelfSignedCert(t, "rdn.example.org")
	entries := RDNEntries(cert.Subject)
	assert.Contains(t, entries, "rdn.example.org")
	assert.Contains(t, entries, "2.5.4.3=rdn.example.org")
	assert.Contains(t, entries, "test org")
}

func TestPaddedSerial(t *testing.T) {
	assert.Equal(t, "000000000000000012345", PaddedSerial("12345"))
	assert.Len(t, PaddedSerial("1"), 21)

	long := strings.Repeat("9", 30)
	assert.Equal(t, long, PaddedSerial(long), "long serials stay untouched")
}

func TestLimitLength(t *testing.T) {
	assert.Equal(t, "abc", LimitLength("abc", 10))
	assert.Equal(t, "abc", LimitLength("abcdef", 3))

	// Multi-byte values truncate on rune boundaries.
	assert.Equal(t, "büro", LimitLength("bürost", 4))
	assert.True(t, utf8.ValidString(LimitLength("ééééé", 3)))
	assert.Equal(t, "ééé", LimitLength("ééééé", 3))
}
