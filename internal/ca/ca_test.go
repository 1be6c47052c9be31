package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordgrid/certsmith/internal/config"
	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/x509util"
)

// caStore is an in-memory Store for CA tests.
type caStore struct {
	keyPEM  []byte
	certPEM []byte
	crls    [][]byte
	allowed map[string]bool
	revoked []*model.Certificate
}

func newCAStore() *caStore {
	return &caStore{allowed: make(map[string]bool)}
}

func (s *caStore) SaveCAPrivateKey(ctx context.Context, b []byte) error { s.keyPEM = b; return nil }
func (s *caStore) GetCAPrivateKey(ctx context.Context) ([]byte, error)  { return s.keyPEM, nil }
func (s *caStore) SaveCACertificate(ctx context.Context, b []byte) error {
	s.certPEM = b
	return nil
}
func (s *caStore) GetCACertificate(ctx context.Context) ([]byte, error) { return s.certPEM, nil }
func (s *caStore) SaveCRL(ctx context.Context, b []byte) error {
	s.crls = append(s.crls, b)
	return nil
}
func (s *caStore) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	if s.allowed[domain] {
		return true, nil
	}
	for entry := range s.allowed {
		if strings.HasPrefix(entry, ".") && strings.HasSuffix(domain, entry) {
			return true, nil
		}
	}
	return false, nil
}
func (s *caStore) ListRevokedCertificates(ctx context.Context) ([]*model.Certificate, error) {
	return s.revoked, nil
}

var _ Store = (*caStore)(nil)

func testConfig() *config.Config {
	return &config.Config{
		Domain:           "localhost",
		CAOrganization:   "Unit Org",
		CACountry:        "US",
		CACommonName:     "Unit Test CA",
		CAValidityYears:  1,
		CertValidityDays: 90,
	}
}

// seedECCA writes a small EC keypair into the store so New loads instead of
// generating the slow RSA pair.
func seedECCA(t *testing.T, store *caStore, clk clock.Clock) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	ski, err := x509util.SubjectKeyID(spki)
	require.NoError(t, err)

	now := clk.Now()
	template := x509.Certificate{
		SerialNumber:          mustSerial(t),
		Subject:               pkix.Name{CommonName: "Unit Test CA", Organization: []string{"Unit Org"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SubjectKeyId:          ski,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyPEM, err := encodePrivateKey(key)
	require.NoError(t, err)
	store.keyPEM = keyPEM
	store.certPEM = x509util.EncodePEM(cert)
}

func mustSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := generateSerialNumber()
	require.NoError(t, err)
	return serial
}

func newTestCSR(t *testing.T, dnsNames []string) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "requested"},
		DNSNames: dnsNames,
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func newTestService(t *testing.T, store *caStore) *Service {
	t.Helper()
	clk := clock.New()
	seedECCA(t, store, clk)
	svc, err := New(context.Background(), testConfig(), store, clk)
	require.NoError(t, err)
	return svc
}

func TestNewLoadsPersistedCA(t *testing.T) {
	store := newCAStore()
	svc := newTestService(t, store)

	assert.Equal(t, "Unit Test CA", svc.Certificate().Subject.CommonName)

	// A second service instance over the same store sees the same CA.
	again, err := New(context.Background(), testConfig(), store, clock.New())
	require.NoError(t, err)
	assert.Equal(t, svc.Certificate().SerialNumber, again.Certificate().SerialNumber)
}

func TestSignCSR(t *testing.T) {
	store := newCAStore()
	store.allowed["app.example.org"] = true
	svc := newTestService(t, store)
	ctx := context.Background()

	cert, err := svc.SignCSR(ctx, newTestCSR(t, []string{"app.example.org"}), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"app.example.org"}, cert.DNSNames)
	assert.Equal(t, "app.example.org", cert.Subject.CommonName)
	assert.False(t, cert.IsCA)
	assert.Equal(t, svc.Certificate().SubjectKeyId, cert.AuthorityKeyId)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	require.NoError(t, cert.CheckSignatureFrom(svc.Certificate()))

	// Default lifetime is the configured maximum.
	wantAfter := cert.NotBefore.Add(90 * 24 * time.Hour)
	assert.WithinDuration(t, wantAfter, cert.NotAfter, time.Minute)
}

func TestSignCSRClampsLifetimeToCA(t *testing.T) {
	store := newCAStore()
	store.allowed["app.example.org"] = true
	svc := newTestService(t, store)

	// Ask for far more than the CA certificate itself has left.
	cfg := testConfig()
	cfg.CertValidityDays = 10000
	svc.cfg = cfg

	cert, err := svc.SignCSR(context.Background(), newTestCSR(t, []string{"app.example.org"}), 0)
	require.NoError(t, err)
	assert.False(t, cert.NotAfter.After(svc.Certificate().NotAfter),
		"issued certificates never outlive the CA")
}

func TestSignCSRPolicyEnforcement(t *testing.T) {
	store := newCAStore()
	store.allowed[".allowed.example.org"] = true
	svc := newTestService(t, store)
	ctx := context.Background()

	// Suffix policy entries admit subdomains.
	_, err := svc.SignCSR(ctx, newTestCSR(t, []string{"web.allowed.example.org"}), 0)
	assert.NoError(t, err)

	// Unlisted domains are rejected, even mixed with allowed ones.
	_, err = svc.SignCSR(ctx, newTestCSR(t, []string{"web.allowed.example.org", "evil.example.org"}), 0)
	assert.Error(t, err)

	// A CSR without any SAN has nothing to authorize.
	_, err = svc.SignCSR(ctx, newTestCSR(t, nil), 0)
	assert.Error(t, err)
}

func TestGenerateCRL(t *testing.T) {
	store := newCAStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	store.revoked = []*model.Certificate{
		{ID: "r1", Serial: "123456789", RevokedSince: now, RevocationReason: 4},
		{ID: "bad", Serial: "not-a-number", RevokedSince: now},
	}

	crlBytes, err := svc.GenerateCRL(ctx)
	require.NoError(t, err)
	require.Len(t, store.crls, 1, "CRL is persisted")

	crl, err := x509.ParseRevocationList(crlBytes)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(svc.Certificate()))
	require.Len(t, crl.RevokedCertificateEntries, 1, "unparsable serials are skipped")
	assert.Equal(t, "123456789", crl.RevokedCertificateEntries[0].SerialNumber.String())
	assert.Equal(t, 4, crl.RevokedCertificateEntries[0].ReasonCode)
}

func TestServerCertificate(t *testing.T) {
	certPEM, keyPEM, err := ServerCertificate(testConfig(), clock.New())
	require.NoError(t, err)
	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(keyPEM), "BEGIN RSA PRIVATE KEY")

	cert, err := x509util.ParseCertificate(certPEM)
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "localhost")
}
