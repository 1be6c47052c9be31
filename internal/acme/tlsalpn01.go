package acme

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ACMETLS1Protocol is the ALPN protocol ID for the tls-alpn-01 challenge
// per RFC 8737, section 6.2.
const ACMETLS1Protocol = "acme-tls/1"

// idPeAcmeIdentifier is the id-pe-acmeIdentifier extension OID carrying the
// key authorization digest, per RFC 8737, section 6.1.
var idPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// checkTLSALPN01 performs a TLS handshake advertising acme-tls/1 on each
// configured port and inspects the self-signed validation certificate. The
// certificate must carry exactly one DNS SAN equal to the identifier and a
// critical acmeIdentifier extension whose octet string holds the SHA-256
// digest of the key authorization.
func (v *Validator) checkTLSALPN01(ctx context.Context, identifier string, keyAuth string) bool {
	expected := sha256.Sum256([]byte(keyAuth))

	for _, port := range v.cfg.TLSALPNPorts {
		addr := net.JoinHostPort(identifier, strconv.Itoa(port))
		logger.Debug("Probing tls-alpn-01 challenge", zap.String("addr", addr))

		// The validation certificate is self-signed, so verification is off
		// and the peer certificate is checked by hand below.
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: v.cfg.TLSALPNTimeout},
			Config: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: true,
				NextProtos:         []string{ACMETLS1Protocol},
				ServerName:         identifier,
			},
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) {
				logger.Info("tls-alpn-01 target does not resolve, aborting probe",
					zap.String("identifier", identifier), zap.Error(err))
				return false
			}
			logger.Debug("tls-alpn-01 handshake failed, trying next port",
				zap.String("addr", addr), zap.Error(err))
			continue
		}
		state := conn.(*tls.Conn).ConnectionState()
		conn.Close()

		if state.NegotiatedProtocol != ACMETLS1Protocol {
			logger.Info("tls-alpn-01 peer did not negotiate acme-tls/1",
				zap.String("addr", addr), zap.String("negotiated", state.NegotiatedProtocol))
			continue
		}
		if len(state.PeerCertificates) == 0 {
			continue
		}
		if v.checkALPNCertificate(state.PeerCertificates[0], identifier, expected[:], addr) {
			return true
		}
	}
	return false
}

// checkALPNCertificate verifies the SAN and acmeIdentifier extension of the
// validation certificate.
func (v *Validator) checkALPNCertificate(cert *x509.Certificate, identifier string, expected []byte, addr string) bool {
	if len(cert.DNSNames) != 1 || !strings.EqualFold(cert.DNSNames[0], identifier) {
		logger.Info("tls-alpn-01 certificate SAN mismatch",
			zap.String("addr", addr), zap.Strings("sans", cert.DNSNames))
		return false
	}

	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(idPeAcmeIdentifier) {
			continue
		}
		if !ext.Critical {
			logger.Info("tls-alpn-01 acmeIdentifier extension is not critical",
				zap.String("addr", addr))
			return false
		}
		var payload []byte
		if _, err := asn1.Unmarshal(ext.Value, &payload); err != nil {
			logger.Info("tls-alpn-01 acmeIdentifier extension is not an octet string",
				zap.String("addr", addr), zap.Error(err))
			return false
		}
		// Some issuing tools wrap the digest in a second octet string layer.
		if len(payload) > sha256.Size {
			var inner []byte
			if _, err := asn1.Unmarshal(payload, &inner); err == nil {
				payload = inner
			}
		}
		if len(payload) > sha256.Size {
			logger.Info("tls-alpn-01 acmeIdentifier payload too long",
				zap.String("addr", addr), zap.Int("length", len(payload)))
			return false
		}
		if subtle.ConstantTimeCompare(payload, expected) == 1 {
			logger.Debug("tls-alpn-01 key authorization digest matched", zap.String("addr", addr))
			return true
		}
		logger.Info("tls-alpn-01 key authorization digest mismatch", zap.String("addr", addr))
		return false
	}
	logger.Info("tls-alpn-01 certificate lacks acmeIdentifier extension", zap.String("addr", addr))
	return false
}
