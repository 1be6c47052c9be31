// Package x509util parses certificate material and derives the attribute set
// used for indexing and chain resolution.
package x509util

import (
	"bytes"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

const serialPaddingPattern = "000000000000000000000"

// ErrUnparsable indicates the input could not be decoded as a certificate in
// any supported encoding (DER, base64 DER, or PEM).
var ErrUnparsable = errors.New("x509util: input is not a parsable certificate")

// ErrNoCurve indicates the public key is not an EC key or its curve is not in
// the named-curve table.
var ErrNoCurve = errors.New("x509util: could not find name for curve")

// ParseCertificate decodes raw certificate bytes. DER is attempted first,
// then base64-encoded DER, then PEM, so callers need no a priori knowledge of
// the encoding.
func ParseCertificate(raw []byte) (*x509.Certificate, error) {
	if cert, err := x509.ParseCertificate(raw); err == nil {
		return cert, nil
	}

	trimmed := strings.TrimSpace(string(raw))
	if der, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if cert, err := x509.ParseCertificate(der); err == nil {
			return cert, nil
		}
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrUnparsable
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	return cert, nil
}

// EncodePEM encodes an x509 certificate into PEM format.
func EncodePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}

// TBSDigest returns the canonical dedup key: the lowercased base64 SHA-256
// digest of the DER-encoded to-be-signed portion. Two certificates with
// identical TBS digests are the same logical certificate even if re-signed.
func TBSDigest(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawTBSCertificate)
	return strings.ToLower(base64.StdEncoding.EncodeToString(sum[:]))
}

// SHA1Fingerprint returns the base64 SHA-1 hash of the DER-encoded certificate.
func SHA1Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SubjectKeyID calculates the SKI according to RFC 5280 section 4.2.1.2
// method (1): the SHA-1 hash of the SubjectPublicKey BIT STRING, excluding
// tag, length, and unused bits.
func SubjectKeyID(spkiDER []byte) ([]byte, error) {
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	_, err := asn1.Unmarshal(spkiDER, &spki)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}
	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}

// TruncatedSubjectKeyID calculates the SKI according to RFC 5280 section
// 4.2.1.2 method (2): a 0100 leading nibble followed by the least significant
// 60 bits of the SHA-1 hash.
func TruncatedSubjectKeyID(spkiDER []byte) ([]byte, error) {
	full, err := SubjectKeyID(spkiDER)
	if err != nil {
		return nil, err
	}
	truncated := make([]byte, 8)
	copy(truncated, full[len(full)-8:])
	truncated[0] = 0x40 | (truncated[0] & 0x0f)
	return truncated, nil
}

// jcaSignatureNames maps Go signature algorithms onto the JCA-style
// "<hash>with<key>[and<padding>]" names the attribute store uses.
var jcaSignatureNames = map[x509.SignatureAlgorithm]string{
	x509.MD2WithRSA:       "md2withrsa",
	x509.MD5WithRSA:       "md5withrsa",
	x509.SHA1WithRSA:      "sha1withrsa",
	x509.SHA256WithRSA:    "sha256withrsa",
	x509.SHA384WithRSA:    "sha384withrsa",
	x509.SHA512WithRSA:    "sha512withrsa",
	x509.SHA256WithRSAPSS: "sha256withrsaandmgf1",
	x509.SHA384WithRSAPSS: "sha384withrsaandmgf1",
	x509.SHA512WithRSAPSS: "sha512withrsaandmgf1",
	x509.DSAWithSHA1:      "sha1withdsa",
	x509.DSAWithSHA256:    "sha256withdsa",
	x509.ECDSAWithSHA1:    "sha1withecdsa",
	x509.ECDSAWithSHA256:  "sha256withecdsa",
	x509.ECDSAWithSHA384:  "sha384withecdsa",
	x509.ECDSAWithSHA512:  "sha512withecdsa",
	x509.PureEd25519:      "ed25519",
}

// SignatureAlgorithmName returns the lowercased JCA-style name of the
// certificate's signature algorithm.
func SignatureAlgorithmName(alg x509.SignatureAlgorithm) string {
	if name, ok := jcaSignatureNames[alg]; ok {
		return name
	}
	return strings.ToLower(alg.String())
}

// SplitSignatureAlgorithm decomposes a JCA-style signature algorithm name
// into its hash, key, and padding components by splitting on the "with" and
// "and" tokens. For names without a "with" token the whole name is the key
// component (e.g. "ed25519").
func SplitSignatureAlgorithm(sigAlgName string) (hashAlg, keyAlg, paddingAlg string) {
	keyAlg = sigAlgName
	if !strings.Contains(sigAlgName, "with") {
		return "", keyAlg, ""
	}
	parts := strings.SplitN(sigAlgName, "with", 2)
	hashAlg = parts[0]
	keyAlg = parts[1]
	if strings.Contains(keyAlg, "and") {
		parts2 := strings.SplitN(keyAlg, "and", 2)
		keyAlg = parts2[0]
		paddingAlg = parts2[1]
	}
	return hashAlg, keyAlg, paddingAlg
}

var namedCurves = map[string]elliptic.Curve{
	"P-224": elliptic.P224(),
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

// CurveName finds the name of an EC public key's curve by comparing the curve
// parameters (field prime, order, coefficient, and generator point) against
// the named-curve table. Some encodings omit the curve OID, so a parameter
// comparison is the only reliable derivation.
func CurveName(pub any) (string, error) {
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve == nil {
		return "", ErrNoCurve
	}
	p := ecPub.Curve.Params()
	for name, curve := range namedCurves {
		cp := curve.Params()
		if cp.P.Cmp(p.P) == 0 && cp.N.Cmp(p.N) == 0 && cp.B.Cmp(p.B) == 0 &&
			cp.Gx.Cmp(p.Gx) == 0 && cp.Gy.Cmp(p.Gy) == 0 {
			return name, nil
		}
	}
	return "", ErrNoCurve
}

// KeyLength returns the bit length of the key material: the RSA modulus, the
// EC group order, or the DSA prime. It returns 0 when the length cannot be
// calculated and -1 for unsupported key types.
func KeyLength(pub any) int {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		if key.Curve == nil || key.Curve.Params() == nil {
			return 0
		}
		return key.Curve.Params().N.BitLen()
	case *dsa.PublicKey:
		if key.Parameters.P != nil {
			return key.Parameters.P.BitLen()
		}
		return key.Y.BitLen()
	case ed25519.PublicKey:
		return len(key) * 8
	}
	return -1
}

// keyUsageBits lists the key usage flags in their fixed RFC 5280 bit order.
var keyUsageBits = []struct {
	usage x509.KeyUsage
	name  string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "nonRepudiation"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
	{x509.KeyUsageEncipherOnly, "encipherOnly"},
	{x509.KeyUsageDecipherOnly, "decipherOnly"},
}

// KeyUsageNames converts the usage bit vector into the ordered list of
// asserted usage names. An empty or absent usage yields ["unspecified"].
func KeyUsageNames(usage x509.KeyUsage) []string {
	var names []string
	for _, bit := range keyUsageBits {
		if usage&bit.usage != 0 {
			names = append(names, bit.name)
		}
	}
	if len(names) == 0 {
		return []string{"unspecified"}
	}
	return names
}

// KeyUsageFromNames reconstructs the usage bit vector from usage names,
// ignoring unknown entries and the "unspecified" marker.
func KeyUsageFromNames(names []string) x509.KeyUsage {
	var usage x509.KeyUsage
	for _, name := range names {
		for _, bit := range keyUsageBits {
			if bit.name == name {
				usage |= bit.usage
			}
		}
	}
	return usage
}

var extKeyUsageNames = map[x509.ExtKeyUsage]struct {
	name string
	oid  string
}{
	x509.ExtKeyUsageAny:                        {"anyExtendedKeyUsage", "2.5.29.37.0"},
	x509.ExtKeyUsageServerAuth:                 {"serverAuth", "1.3.6.1.5.5.7.3.1"},
	x509.ExtKeyUsageClientAuth:                 {"clientAuth", "1.3.6.1.5.5.7.3.2"},
	x509.ExtKeyUsageCodeSigning:                {"codeSigning", "1.3.6.1.5.5.7.3.3"},
	x509.ExtKeyUsageEmailProtection:            {"emailProtection", "1.3.6.1.5.5.7.3.4"},
	x509.ExtKeyUsageIPSECEndSystem:             {"ipsecEndSystem", "1.3.6.1.5.5.7.3.5"},
	x509.ExtKeyUsageIPSECTunnel:                {"ipsecTunnel", "1.3.6.1.5.5.7.3.6"},
	x509.ExtKeyUsageIPSECUser:                  {"ipsecUser", "1.3.6.1.5.5.7.3.7"},
	x509.ExtKeyUsageTimeStamping:               {"timeStamping", "1.3.6.1.5.5.7.3.8"},
	x509.ExtKeyUsageOCSPSigning:                {"OCSPSigning", "1.3.6.1.5.5.7.3.9"},
	x509.ExtKeyUsageMicrosoftServerGatedCrypto: {"msServerGatedCrypto", "1.3.6.1.4.1.311.10.3.3"},
	x509.ExtKeyUsageNetscapeServerGatedCrypto:  {"nsServerGatedCrypto", "2.16.840.1.113730.4.1"},
}

// ExtKeyUsageEntries maps the certificate's extended key usages onto
// (human-readable name, dotted OID) pairs, including usages Go does not
// recognize, which keep their OID as name.
func ExtKeyUsageEntries(cert *x509.Certificate) [][2]string {
	var entries [][2]string
	for _, eku := range cert.ExtKeyUsage {
		if e, ok := extKeyUsageNames[eku]; ok {
			entries = append(entries, [2]string{e.name, e.oid})
		}
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		entries = append(entries, [2]string{oid.String(), oid.String()})
	}
	return entries
}

// Classification captures what the basic-constraints extension implies about
// a certificate's role in the chain.
type Classification struct {
	IsCA                 bool
	UnconstrainedPathLen bool
	PathLen              int
}

// Classify derives the CA/end-entity classification. A CA without an
// explicit path length constraint is unconstrained; everything that is not a
// CA is an end-entity certificate. Parsed certificates report an absent
// constraint as MaxPathLen -1, templates as 0 with MaxPathLenZero unset;
// both mean unconstrained.
func Classify(cert *x509.Certificate) Classification {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return Classification{}
	}
	if cert.MaxPathLen < 0 || (cert.MaxPathLen == 0 && !cert.MaxPathLenZero) {
		return Classification{IsCA: true, UnconstrainedPathLen: true}
	}
	return Classification{IsCA: true, PathLen: cert.MaxPathLen}
}

// IsSelfSigned reports whether issuer and subject DN match AND the
// certificate verifies under its own public key. DN equality alone is not
// sufficient proof.
func IsSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
	return err == nil
}

// SubjectAltNames collects every SAN entry, lowercased.
func SubjectAltNames(cert *x509.Certificate) []string {
	var names []string
	for _, name := range cert.DNSNames {
		names = append(names, strings.ToLower(name))
	}
	for _, email := range cert.EmailAddresses {
		names = append(names, strings.ToLower(email))
	}
	for _, ip := range cert.IPAddresses {
		names = append(names, strings.ToLower(ip.String()))
	}
	for _, uri := range cert.URIs {
		names = append(names, strings.ToLower(uri.String()))
	}
	return names
}

// RDNEntries flattens a distinguished name into per-attribute index entries:
// the bare lowercased value, plus "<type-oid>=<value>" for exact-match search.
func RDNEntries(name pkix.Name) []string {
	var entries []string
	for _, atv := range name.Names {
		value := strings.ToLower(fmt.Sprintf("%v", atv.Value))
		entries = append(entries, value)
		entries = append(entries, strings.ToLower(atv.Type.String())+"="+value)
	}
	return entries
}

// PaddedSerial zero-left-pads a decimal serial to a fixed width so that
// lexicographic and numeric sort orders coincide.
func PaddedSerial(serial string) string {
	if len(serial) >= len(serialPaddingPattern) {
		return serial
	}
	return serialPaddingPattern[len(serial):] + serial
}

// LimitLength truncates a string to at most max runes for bounded storage,
// never splitting a multi-byte sequence.
func LimitLength(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Description derives a short readable summary of a certificate.
func Description(cert *x509.Certificate) string {
	return fmt.Sprintf("%s, serial %s, valid from %s to %s",
		cert.Subject.String(),
		cert.SerialNumber.String(),
		cert.NotBefore.Format("2006-01-02"),
		cert.NotAfter.Format("2006-01-02"))
}
