package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nordgrid/certsmith/internal/model"
)

// saveCertificate inserts or updates a certificate row and rewrites its
// attribute rows to match the in-memory record. A unique violation on
// tbs_digest during insert is surfaced as ErrDuplicateDigest so the caller can
// re-read the winning record.
func saveCertificate(ctx context.Context, q Querier, cert *model.Certificate) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO certificates (id, content, tbs_digest, type, description, subject, issuer, serial,
			valid_from, valid_to, issuing_certificate_id, revoked, revoked_since, revocation_reason,
			csr_id, creation_execution_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			content = $2, description = $5, issuing_certificate_id = $11,
			revoked = $12, revoked_since = $13, revocation_reason = $14`,
		cert.ID, cert.Content, cert.TBSDigest, cert.Type, cert.Description, cert.Subject,
		cert.Issuer, cert.Serial, nullableTime(cert.ValidFrom), nullableTime(cert.ValidTo),
		nullableString(cert.IssuingCertificateID), cert.Revoked, nullableTime(cert.RevokedSince),
		nullableInt(cert.RevocationReason), nullableString(cert.CSRID),
		nullableString(cert.CreationExecutionID), cert.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDigest
		}
		return fmt.Errorf("storage: failed to save certificate: %w", err)
	}

	_, err = q.ExecContext(ctx, `DELETE FROM certificate_attributes WHERE certificate_id = $1`, cert.ID)
	if err != nil {
		return fmt.Errorf("storage: failed to clear certificate attributes: %w", err)
	}
	for _, attr := range cert.Attributes {
		_, err = q.ExecContext(ctx, `
			INSERT INTO certificate_attributes (certificate_id, name, value) VALUES ($1, $2, $3)`,
			cert.ID, attr.Name, attr.Value)
		if err != nil {
			return fmt.Errorf("storage: failed to save certificate attribute %s: %w", attr.Name, err)
		}
	}
	return nil
}

const certificateColumns = `id, content, tbs_digest, type, description, subject, issuer, serial,
	valid_from, valid_to, issuing_certificate_id, revoked, revoked_since, revocation_reason,
	csr_id, creation_execution_id, created_at`

func scanCertificate(scan func(dest ...interface{}) error) (*model.Certificate, error) {
	cert := &model.Certificate{}
	var description, subject, issuer, serial sql.NullString
	var validFrom, validTo, revokedSince sql.NullTime
	var issuingID, csrID, executionID sql.NullString
	var reason sql.NullInt64
	err := scan(&cert.ID, &cert.Content, &cert.TBSDigest, &cert.Type, &description, &subject,
		&issuer, &serial, &validFrom, &validTo, &issuingID, &cert.Revoked, &revokedSince,
		&reason, &csrID, &executionID, &cert.CreatedAt)
	if err != nil {
		return nil, err
	}
	cert.Description = description.String
	cert.Subject = subject.String
	cert.Issuer = issuer.String
	cert.Serial = serial.String
	cert.ValidFrom = validFrom.Time
	cert.ValidTo = validTo.Time
	cert.IssuingCertificateID = issuingID.String
	cert.RevokedSince = revokedSince.Time
	cert.RevocationReason = int(reason.Int64)
	cert.CSRID = csrID.String
	cert.CreationExecutionID = executionID.String
	return cert, nil
}

func loadCertificateAttributes(ctx context.Context, q Querier, cert *model.Certificate) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, certificate_id, name, value FROM certificate_attributes
		WHERE certificate_id = $1 ORDER BY id`, cert.ID)
	if err != nil {
		return fmt.Errorf("storage: failed to query certificate attributes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		attr := model.CertificateAttribute{}
		if err := rows.Scan(&attr.ID, &attr.CertificateID, &attr.Name, &attr.Value); err != nil {
			return fmt.Errorf("storage: failed to scan certificate attribute: %w", err)
		}
		cert.Attributes = append(cert.Attributes, attr)
	}
	return rows.Err()
}

func getCertificateBy(ctx context.Context, q Querier, where string, args ...interface{}) (*model.Certificate, error) {
	row := q.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE `+where, args...)
	cert, err := scanCertificate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get certificate: %w", err)
	}
	if err := loadCertificateAttributes(ctx, q, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

func findCertificatesByAttribute(ctx context.Context, q Querier, name string, value string) ([]*model.Certificate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE id IN (SELECT certificate_id FROM certificate_attributes WHERE name = $1 AND value = $2)
		ORDER BY created_at`, name, value)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query certificates by attribute: %w", err)
	}
	defer rows.Close()

	var certs []*model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, cert := range certs {
		if err := loadCertificateAttributes(ctx, q, cert); err != nil {
			return nil, err
		}
	}
	return certs, nil
}

func updateCertificateRevocation(ctx context.Context, q Querier, id string, revoked bool, revokedSince time.Time, reasonCode int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE certificates SET revoked = $2, revoked_since = $3, revocation_reason = $4 WHERE id = $1`,
		id, revoked, nullableTime(revokedSince), nullableInt(reasonCode))
	if err != nil {
		return fmt.Errorf("storage: failed to update certificate revocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func listRevokedCertificates(ctx context.Context, q Querier) ([]*model.Certificate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+certificateColumns+` FROM certificates WHERE revoked = true ORDER BY revoked_since`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query revoked certificates: %w", err)
	}
	defer rows.Close()

	var certs []*model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, rows.Err()
}

func (s *PostgreSQLStorage) SaveCertificate(ctx context.Context, cert *model.Certificate) error {
	return saveCertificate(ctx, s.querier(), cert)
}
func (s *postgresTxStore) SaveCertificate(ctx context.Context, cert *model.Certificate) error {
	return saveCertificate(ctx, s.querier(), cert)
}
func (s *PostgreSQLStorage) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return getCertificateBy(ctx, s.querier(), `id = $1`, id)
}
func (s *postgresTxStore) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return getCertificateBy(ctx, s.querier(), `id = $1`, id)
}
func (s *PostgreSQLStorage) GetCertificateByTBSDigest(ctx context.Context, digest string) (*model.Certificate, error) {
	return getCertificateBy(ctx, s.querier(), `tbs_digest = $1`, digest)
}
func (s *postgresTxStore) GetCertificateByTBSDigest(ctx context.Context, digest string) (*model.Certificate, error) {
	return getCertificateBy(ctx, s.querier(), `tbs_digest = $1`, digest)
}
func (s *PostgreSQLStorage) GetCertificateByIssuerAndSerial(ctx context.Context, issuer string, serial string) (*model.Certificate, error) {
	return getCertificateBy(ctx, s.querier(), `issuer = $1 AND serial = $2`, issuer, serial)
}
func (s *postgresTxStore) GetCertificateByIssuerAndSerial(ctx context.Context, issuer string, serial string) (*model.Certificate, error) {
	return getCertificateBy(ctx, s.querier(), `issuer = $1 AND serial = $2`, issuer, serial)
}
func (s *PostgreSQLStorage) FindCertificatesByAttribute(ctx context.Context, name string, value string) ([]*model.Certificate, error) {
	return findCertificatesByAttribute(ctx, s.querier(), name, value)
}
func (s *postgresTxStore) FindCertificatesByAttribute(ctx context.Context, name string, value string) ([]*model.Certificate, error) {
	return findCertificatesByAttribute(ctx, s.querier(), name, value)
}
func (s *PostgreSQLStorage) UpdateCertificateRevocation(ctx context.Context, id string, revoked bool, revokedSince time.Time, reasonCode int) error {
	return updateCertificateRevocation(ctx, s.querier(), id, revoked, revokedSince, reasonCode)
}
func (s *postgresTxStore) UpdateCertificateRevocation(ctx context.Context, id string, revoked bool, revokedSince time.Time, reasonCode int) error {
	return updateCertificateRevocation(ctx, s.querier(), id, revoked, revokedSince, reasonCode)
}
func (s *PostgreSQLStorage) ListRevokedCertificates(ctx context.Context) ([]*model.Certificate, error) {
	return listRevokedCertificates(ctx, s.querier())
}
func (s *postgresTxStore) ListRevokedCertificates(ctx context.Context) ([]*model.Certificate, error) {
	return listRevokedCertificates(ctx, s.querier())
}

func nullableInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}
