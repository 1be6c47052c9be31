// Package certs ingests certificate material into the store, derives the
// indexed attribute set, and links records into the issuer chain graph.
package certs

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/storage"
	"github.com/nordgrid/certsmith/internal/x509util"
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
	logger = l.With(zap.String("package", "certs"))
}

const maxAttributeValueLength = 250

// Store is the subset of storage the engine needs.
type Store interface {
	SaveCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)
	GetCertificateByTBSDigest(ctx context.Context, digest string) (*model.Certificate, error)
	FindCertificatesByAttribute(ctx context.Context, name string, value string) ([]*model.Certificate, error)
}

// Engine orchestrates decode, fingerprint, dedup, chain link, and persist for
// every certificate entering the system, whether issued locally, uploaded, or
// imported.
type Engine struct {
	store Store
	sink  audit.Sink
	clk   clock.Clock
}

// NewEngine creates a certificate record engine.
func NewEngine(store Store, sink audit.Sink, clk clock.Clock) *Engine {
	return &Engine{store: store, sink: sink, clk: clk}
}

// Ingest decodes raw certificate bytes and returns the canonical record for
// them. Identical TBS bytes dedup onto the existing record: a plain re-ingest
// is a no-op, a reimport recomputes the derived attributes in place. csrID and
// executionID tie the record to the request that produced it and may be empty
// for imported material.
func (e *Engine) Ingest(ctx context.Context, raw []byte, csrID string, executionID string, reimport bool) (*model.Certificate, error) {
	cert, err := x509util.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("certs: ingest failed: %w", err)
	}

	digest := x509util.TBSDigest(cert)
	existing, err := e.store.GetCertificateByTBSDigest(ctx, digest)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("certs: digest lookup failed: %w", err)
	}
	if existing != nil {
		if !reimport {
			logger.Debug("Certificate already present, returning existing record",
				zap.String("certificateId", existing.ID), zap.String("tbsDigest", digest))
			return existing, nil
		}
		setDerivedAttributes(existing, cert)
		if err := e.store.SaveCertificate(ctx, existing); err != nil {
			return nil, fmt.Errorf("certs: reimport save failed: %w", err)
		}
		logger.Info("Certificate reimported, derived attributes recomputed",
			zap.String("certificateId", existing.ID))
		return existing, nil
	}

	record := &model.Certificate{
		ID:                  uuid.New().String(),
		Content:             string(x509util.EncodePEM(cert)),
		TBSDigest:           digest,
		Type:                fmt.Sprintf("X509V%d", cert.Version),
		Description:         x509util.Description(cert),
		Subject:             x509util.LimitLength(cert.Subject.String(), maxAttributeValueLength),
		Issuer:              x509util.LimitLength(cert.Issuer.String(), maxAttributeValueLength),
		Serial:              cert.SerialNumber.String(),
		ValidFrom:           cert.NotBefore,
		ValidTo:             cert.NotAfter,
		CSRID:               csrID,
		CreationExecutionID: executionID,
		CreatedAt:           e.clk.Now(),
	}
	setIdentityAttributes(record, cert)
	setDerivedAttributes(record, cert)

	if x509util.IsSelfSigned(cert) {
		record.IssuingCertificateID = record.ID
		logger.Debug("Certificate is self-signed", zap.String("certificateId", record.ID))
	} else {
		issuer, err := e.ResolveIssuer(ctx, cert)
		switch {
		case err == nil:
			record.IssuingCertificateID = issuer.ID
		case errors.Is(err, ErrIssuerNotFound):
			logger.Debug("Issuer not yet known, leaving chain link open",
				zap.String("subject", record.Subject))
		case errors.Is(err, ErrAmbiguousIssuer):
			logger.Error("Ambiguous issuer match, leaving chain link open",
				zap.String("subject", record.Subject), zap.Error(err))
		default:
			return nil, err
		}
	}

	err = e.store.SaveCertificate(ctx, record)
	if errors.Is(err, storage.ErrDuplicateDigest) {
		// Lost the insert race to a concurrent ingestion of the same bytes.
		// The winner's record is canonical; re-read it.
		winner, rerr := retry.DoWithData(func() (*model.Certificate, error) {
			return e.store.GetCertificateByTBSDigest(ctx, digest)
		}, retry.Context(ctx), retry.Attempts(3))
		if rerr != nil {
			return nil, fmt.Errorf("certs: lost ingest race but winner not readable: %w", rerr)
		}
		logger.Info("Concurrent ingestion detected, adopted winning record",
			zap.String("certificateId", winner.ID), zap.String("tbsDigest", digest))
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("certs: save failed: %w", err)
	}

	e.sink.Record(ctx, &model.AuditEvent{
		Name:   audit.EventCertificateIngested,
		Detail: record.Description,
	})
	logger.Info("Certificate ingested",
		zap.String("certificateId", record.ID),
		zap.String("subject", record.Subject),
		zap.String("serial", record.Serial))
	return record, nil
}

// setIdentityAttributes records the attributes that identify the certificate
// and never change across reimports.
func setIdentityAttributes(record *model.Certificate, cert *x509.Certificate) {
	addAttribute(record, model.CertAttrType, record.Type)
	addAttribute(record, model.CertAttrFingerprint, x509util.SHA1Fingerprint(cert))
	addAttribute(record, model.CertAttrSerial, cert.SerialNumber.String())
	addAttribute(record, model.CertAttrSerialPadded, x509util.PaddedSerial(cert.SerialNumber.String()))
	addAttribute(record, model.CertAttrValidFromTimestamp, strconv.FormatInt(cert.NotBefore.UnixMilli(), 10))
	addAttribute(record, model.CertAttrValidToTimestamp, strconv.FormatInt(cert.NotAfter.UnixMilli(), 10))

	for _, entry := range x509util.RDNEntries(cert.Subject) {
		addAttribute(record, model.CertAttrSubject, x509util.LimitLength(entry, maxAttributeValueLength))
	}
	for _, entry := range x509util.RDNEntries(cert.Issuer) {
		addAttribute(record, model.CertAttrIssuer, x509util.LimitLength(entry, maxAttributeValueLength))
	}

	if ski, err := x509util.SubjectKeyID(cert.RawSubjectPublicKeyInfo); err == nil {
		addAttribute(record, model.CertAttrSKI, base64.StdEncoding.EncodeToString(ski))
	} else {
		logger.Warn("Failed to calculate subject key id", zap.Error(err))
	}
	if truncated, err := x509util.TruncatedSubjectKeyID(cert.RawSubjectPublicKeyInfo); err == nil {
		addAttribute(record, model.CertAttrSKI, base64.StdEncoding.EncodeToString(truncated))
	}

	cls := x509util.Classify(cert)
	switch {
	case cls.IsCA && cls.UnconstrainedPathLen:
		addAttribute(record, model.CertAttrCA, "true")
		addAttribute(record, model.CertAttrChainLength, "unlimited")
	case cls.IsCA:
		addAttribute(record, model.CertAttrCA, "true")
		addAttribute(record, model.CertAttrChainLength, strconv.Itoa(cls.PathLen))
	default:
		addAttribute(record, model.CertAttrEndEntity, "true")
	}

	for _, usage := range x509util.KeyUsageNames(cert.KeyUsage) {
		addAttribute(record, model.CertAttrUsage, usage)
	}
	for _, entry := range x509util.ExtKeyUsageEntries(cert) {
		addAttribute(record, model.CertAttrUsage, entry[0])
		addAttribute(record, model.CertAttrUsage, entry[1])
	}
}

// setDerivedAttributes drops and recomputes the recomputable attribute set so
// a reimport always reflects the current derivation rules.
func setDerivedAttributes(record *model.Certificate, cert *x509.Certificate) {
	for _, name := range []string{
		model.CertAttrSignatureAlgo,
		model.CertAttrHashAlgo,
		model.CertAttrKeyAlgo,
		model.CertAttrPaddingAlgo,
		model.CertAttrCurveName,
		model.CertAttrSAN,
		model.CertAttrKeyLength,
	} {
		dropAttribute(record, name)
	}

	sigAlgName := x509util.SignatureAlgorithmName(cert.SignatureAlgorithm)
	addAttribute(record, model.CertAttrSignatureAlgo, sigAlgName)
	hashAlg, keyAlg, paddingAlg := x509util.SplitSignatureAlgorithm(sigAlgName)
	if hashAlg != "" {
		addAttribute(record, model.CertAttrHashAlgo, hashAlg)
	}
	addAttribute(record, model.CertAttrKeyAlgo, keyAlg)
	if paddingAlg != "" {
		addAttribute(record, model.CertAttrPaddingAlgo, paddingAlg)
	}

	if curveName, err := x509util.CurveName(cert.PublicKey); err == nil {
		addAttribute(record, model.CertAttrCurveName, curveName)
	}

	for _, san := range x509util.SubjectAltNames(cert) {
		addAttribute(record, model.CertAttrSAN, x509util.LimitLength(san, maxAttributeValueLength))
	}

	addAttribute(record, model.CertAttrKeyLength, strconv.Itoa(x509util.KeyLength(cert.PublicKey)))
}

// addAttribute appends a (name, value) fact unless an identical pair already
// exists, so repeated derivation never duplicates index entries.
func addAttribute(record *model.Certificate, name string, value string) {
	for _, attr := range record.Attributes {
		if attr.Name == name && attr.Value == value {
			return
		}
	}
	record.Attributes = append(record.Attributes, model.CertificateAttribute{
		CertificateID: record.ID,
		Name:          name,
		Value:         value,
	})
}

// dropAttribute removes every attribute with the given name.
func dropAttribute(record *model.Certificate, name string) {
	kept := record.Attributes[:0]
	for _, attr := range record.Attributes {
		if attr.Name != name {
			kept = append(kept, attr)
		}
	}
	record.Attributes = kept
}
