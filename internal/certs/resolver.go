package certs

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/x509util"
)

// ErrIssuerNotFound indicates no stored certificate matches the expected
// issuer key identifier. The issuer may simply not have been ingested yet.
var ErrIssuerNotFound = errors.New("certs: issuing certificate not in store")

// ErrAmbiguousIssuer indicates more than one stored certificate claims the
// issuer's key identifier. That is a data-integrity problem and is never
// resolved by silently picking one.
var ErrAmbiguousIssuer = errors.New("certs: more than one issuing certificate candidate")

// ResolveIssuer locates the issuing certificate for cert. The authority key
// identifier is first derived from the subject public key (the standard SHA-1
// AKI derivation) and matched against stored SKI attributes; if that finds
// nothing the certificate's explicit AKI extension is tried. Exactly one match
// wins; zero matches is ErrIssuerNotFound; several are ErrAmbiguousIssuer.
func (e *Engine) ResolveIssuer(ctx context.Context, cert *x509.Certificate) (*model.Certificate, error) {
	digest := x509util.TBSDigest(cert)

	akiCalculated, err := x509util.SubjectKeyID(cert.RawSubjectPublicKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("certs: failed to derive authority key id: %w", err)
	}
	candidates, err := e.findByKeyID(ctx, akiCalculated, digest)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 && len(cert.AuthorityKeyId) > 0 {
		logger.Debug("Calculated AKI not found, trying AKI extension",
			zap.String("subject", cert.Subject.String()))
		candidates, err = e.findByKeyID(ctx, cert.AuthorityKeyId, digest)
		if err != nil {
			return nil, err
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: subject %q", ErrIssuerNotFound, cert.Subject.String())
	}
	if len(candidates) > 1 {
		return nil, fmt.Errorf("%w: %d candidates for subject %q",
			ErrAmbiguousIssuer, len(candidates), cert.Subject.String())
	}
	return candidates[0], nil
}

// findByKeyID searches for certificates whose SKI attribute equals keyID,
// excluding the record with selfDigest so a stored certificate never resolves
// to itself.
func (e *Engine) findByKeyID(ctx context.Context, keyID []byte, selfDigest string) ([]*model.Certificate, error) {
	encoded := base64.StdEncoding.EncodeToString(keyID)
	found, err := e.store.FindCertificatesByAttribute(ctx, model.CertAttrSKI, encoded)
	if err != nil {
		return nil, fmt.Errorf("certs: SKI attribute search failed: %w", err)
	}
	var candidates []*model.Certificate
	for _, c := range found {
		if c.TBSDigest == selfDigest {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// ResolveDeferred retries chain resolution for a stored record whose issuer
// was unknown at ingest time, typically after the issuer has since been
// ingested. It persists the link when found and returns the issuer record.
func (e *Engine) ResolveDeferred(ctx context.Context, record *model.Certificate) (*model.Certificate, error) {
	if record.IssuingCertificateID != "" {
		return e.store.GetCertificate(ctx, record.IssuingCertificateID)
	}

	cert, err := x509util.ParseCertificate([]byte(record.Content))
	if err != nil {
		return nil, fmt.Errorf("certs: stored content unparsable: %w", err)
	}

	if x509util.IsSelfSigned(cert) {
		record.IssuingCertificateID = record.ID
	} else {
		issuer, err := e.ResolveIssuer(ctx, cert)
		if err != nil {
			return nil, err
		}
		record.IssuingCertificateID = issuer.ID
	}

	if err := e.store.SaveCertificate(ctx, record); err != nil {
		return nil, fmt.Errorf("certs: failed to persist resolved issuer link: %w", err)
	}
	logger.Info("Deferred issuer resolution succeeded",
		zap.String("certificateId", record.ID),
		zap.String("issuingCertificateId", record.IssuingCertificateID))
	return e.store.GetCertificate(ctx, record.IssuingCertificateID)
}
