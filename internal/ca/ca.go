// Package ca implements the local signing backend: a self-bootstrapping CA
// whose key and certificate live in storage, CSR signing under domain policy,
// and CRL maintenance.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nordgrid/certsmith/internal/config"
	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/x509util"
)

const (
	caKeySize         = 4096
	defaultSerialBits = 128
	httpsKeySize      = 2048
	crlValidity       = 24 * time.Hour
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "ca"))
}

// ErrNotInitialized indicates the CA keypair could not be loaded or generated.
var ErrNotInitialized = errors.New("ca: CA certificate or private key is not initialized")

// Store is the subset of storage the CA needs.
type Store interface {
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)
	SaveCRL(ctx context.Context, crlBytes []byte) error
	IsDomainAllowed(ctx context.Context, domain string) (bool, error)
	ListRevokedCertificates(ctx context.Context) ([]*model.Certificate, error)
}

// Service holds the CA key material and signs CSRs with it.
type Service struct {
	cfg    *config.Config
	store  Store
	clk    clock.Clock
	caCert *x509.Certificate
	caKey  crypto.Signer

	crlMu sync.Mutex
}

// New loads the CA key and certificate from storage, generating and saving a
// fresh self-signed pair when none exists yet.
func New(ctx context.Context, cfg *config.Config, store Store, clk clock.Clock) (*Service, error) {
	s := &Service{cfg: cfg, store: store, clk: clk}

	pemKeyBytes, err := store.GetCAPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to load CA private key: %w", err)
	}
	pemCertBytes, err := store.GetCACertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to load CA certificate: %w", err)
	}

	if pemKeyBytes == nil || pemCertBytes == nil {
		logger.Info("CA key or certificate not found in storage, generating new pair")
		key, cert, err := generateCAKeyAndCert(cfg, clk)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to generate CA key/cert: %w", err)
		}
		s.caKey = key
		s.caCert = cert

		pemKeyBytes, err = encodePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to encode CA private key: %w", err)
		}
		if err := store.SaveCAPrivateKey(ctx, pemKeyBytes); err != nil {
			return nil, fmt.Errorf("ca: failed to save CA private key: %w", err)
		}
		if err := store.SaveCACertificate(ctx, x509util.EncodePEM(cert)); err != nil {
			return nil, fmt.Errorf("ca: failed to save CA certificate: %w", err)
		}
		logger.Info("New CA key and certificate generated and saved",
			zap.String("subject", cert.Subject.String()))
	} else {
		s.caKey, err = parsePrivateKey(pemKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse stored CA private key: %w", err)
		}
		s.caCert, err = x509util.ParseCertificate(pemCertBytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse stored CA certificate: %w", err)
		}
		logger.Info("CA key and certificate loaded from storage",
			zap.String("subject", s.caCert.Subject.String()))
	}

	return s, nil
}

// Certificate returns the CA certificate.
func (s *Service) Certificate() *x509.Certificate {
	return s.caCert
}

// SignCSR validates a CSR against the domain policy and signs it. The
// lifetime is clamped to the configured maximum and the CA certificate's own
// validity.
func (s *Service) SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration) (*x509.Certificate, error) {
	if s.caCert == nil || s.caKey == nil {
		return nil, ErrNotInitialized
	}
	l := logger.With(zap.Strings("dnsNames", csr.DNSNames))
	l.Info("Received CSR for signing")

	if err := csr.CheckSignature(); err != nil {
		l.Warn("CSR signature validation failed", zap.Error(err))
		return nil, fmt.Errorf("ca: invalid CSR signature: %w", err)
	}

	hasSANs := false
	for _, dnsName := range csr.DNSNames {
		hasSANs = true
		normName := strings.ToLower(strings.TrimSpace(dnsName))
		allowed, err := s.store.IsDomainAllowed(ctx, normName)
		if err != nil {
			return nil, fmt.Errorf("ca: policy check failed for %s: %w", normName, err)
		}
		if !allowed {
			return nil, fmt.Errorf("ca: domain name %s is not allowed by policy", normName)
		}
	}
	for _, ipAddr := range csr.IPAddresses {
		hasSANs = true
		ipStr := ipAddr.String()
		allowed, err := s.store.IsDomainAllowed(ctx, ipStr)
		if err != nil {
			return nil, fmt.Errorf("ca: policy check failed for %s: %w", ipStr, err)
		}
		if !allowed {
			return nil, fmt.Errorf("ca: IP address %s is not allowed by policy", ipStr)
		}
	}
	if !hasSANs {
		return nil, errors.New("ca: CSR must contain at least one DNSName or IPAddress SAN")
	}

	maxLifetime := time.Duration(s.cfg.CertValidityDays) * 24 * time.Hour
	if lifetime <= 0 || lifetime > maxLifetime {
		lifetime = maxLifetime
	}
	notBefore := s.clk.Now().Add(-2 * time.Minute)
	notAfter := notBefore.Add(lifetime)
	if notAfter.After(s.caCert.NotAfter) {
		notAfter = s.caCert.NotAfter
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyIDForPublicKey(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to compute subject key identifier: %w", err)
	}

	subject := pkix.Name{Organization: []string{s.cfg.CAOrganization}}
	if len(csr.DNSNames) > 0 {
		subject.CommonName = csr.DNSNames[0]
	}

	template := x509.Certificate{
		SerialNumber:   serialNumber,
		Subject:        subject,
		DNSNames:       csr.DNSNames,
		IPAddresses:    csr.IPAddresses,
		URIs:           csr.URIs,
		EmailAddresses: csr.EmailAddresses,

		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},

		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:   ski,
		AuthorityKeyId: s.caCert.SubjectKeyId,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		l.Error("Failed to sign certificate", zap.Error(err))
		return nil, fmt.Errorf("ca: failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse created certificate: %w", err)
	}

	l.Info("Certificate signed",
		zap.String("serial", cert.SerialNumber.String()),
		zap.Time("notAfter", cert.NotAfter))
	return cert, nil
}

// GenerateCRL creates, signs, and saves a new CRL covering every revoked
// certificate in the store.
func (s *Service) GenerateCRL(ctx context.Context) ([]byte, error) {
	if s.caCert == nil || s.caKey == nil {
		return nil, ErrNotInitialized
	}
	s.crlMu.Lock()
	defer s.crlMu.Unlock()

	revokedList, err := s.store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to list revoked certificates: %w", err)
	}

	now := s.clk.Now()
	entries := make([]x509.RevocationListEntry, 0, len(revokedList))
	for _, record := range revokedList {
		serial := new(big.Int)
		if _, ok := serial.SetString(record.Serial, 10); !ok {
			logger.Warn("Skipping revoked certificate with unparsable serial",
				zap.String("certificateId", record.ID), zap.String("serial", record.Serial))
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: record.RevokedSince,
			ReasonCode:     record.RevocationReason,
		})
	}

	crlNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	template := &x509.RevocationList{
		RevokedCertificateEntries: entries,
		Number:                    crlNumber,
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlValidity),
	}
	crlBytes, err := x509.CreateRevocationList(rand.Reader, template, s.caCert, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to create CRL: %w", err)
	}
	if err := s.store.SaveCRL(ctx, crlBytes); err != nil {
		return nil, fmt.Errorf("ca: failed to save CRL: %w", err)
	}
	logger.Info("CRL generated and saved", zap.Int("revokedEntries", len(entries)))
	return crlBytes, nil
}

// ServerCertificate generates a self-signed HTTPS certificate for the API
// endpoint, returned as PEM cert and key bytes.
func ServerCertificate(cfg *config.Config, clk clock.Clock) ([]byte, []byte, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, httpsKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to generate HTTPS private key: %w", err)
	}
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := clk.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.CAOrganization},
			CommonName:   cfg.Domain,
		},
		DNSNames:    []string{cfg.Domain},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:   now.Add(-1 * time.Minute),
		NotAfter:    now.AddDate(1, 0, 0),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to create HTTPS certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privKey),
	})
	return certPEM, keyPEM, nil
}

// --- Helper Functions ---

// generateSerialNumber creates a secure random positive serial number.
func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("ca: generated non-positive serial number")
	}
	return serialNumber, nil
}

// subjectKeyIDForPublicKey marshals the public key to SPKI and derives the
// RFC 5280 method (1) key identifier from it.
func subjectKeyIDForPublicKey(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return x509util.SubjectKeyID(derBytes)
}

// generateCAKeyAndCert creates a new RSA private key and self-signed CA
// certificate.
func generateCAKeyAndCert(cfg *config.Config, clk clock.Clock) (crypto.Signer, *x509.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}
	ski, err := subjectKeyIDForPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	now := clk.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.CAOrganization},
			Country:      []string{cfg.CACountry},
			CommonName:   cfg.CACommonName,
		},
		NotBefore: now.Add(-5 * time.Minute),
		NotAfter:  now.AddDate(cfg.CAValidityYears, 0, 0),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,

		SubjectKeyId: ski,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create self-signed CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return privateKey, cert, nil
}

// encodePrivateKey encodes an RSA or ECDSA signer into PEM format.
func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("unsupported private key type")
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: keyBytes}), nil
}

// parsePrivateKey parses a PEM-encoded RSA or ECDSA private key.
func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}
}
