package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nordgrid/certsmith/internal/model"
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
	logger = l.With(zap.String("package", "storage"))
}

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// ErrDuplicateDigest indicates a concurrent ingestion won the race on the
// certificate TBS digest uniqueness constraint. The caller should re-read the
// winner's record.
var ErrDuplicateDigest = errors.New("storage: certificate with this TBS digest already exists")

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage defines the interface for storing and retrieving CA, ACME, and
// certificate-graph data.
type Storage interface {
	// CA Data Methods
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)
	SaveCRL(ctx context.Context, crlBytes []byte) error
	GetLatestCRL(ctx context.Context) ([]byte, error)

	// ACME Account Methods
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ACME Order Methods
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ACME Authorization Methods
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)

	// ACME Challenge Methods
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)

	// Certificate Graph Methods
	SaveCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)
	GetCertificateByTBSDigest(ctx context.Context, digest string) (*model.Certificate, error)
	GetCertificateByIssuerAndSerial(ctx context.Context, issuer string, serial string) (*model.Certificate, error)
	FindCertificatesByAttribute(ctx context.Context, name string, value string) ([]*model.Certificate, error)
	UpdateCertificateRevocation(ctx context.Context, id string, revoked bool, revokedSince time.Time, reasonCode int) error
	ListRevokedCertificates(ctx context.Context) ([]*model.Certificate, error)

	// Audit Methods
	SaveAuditEvent(ctx context.Context, event *model.AuditEvent) error

	// API Key Methods
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	// Policy Methods
	AddAllowedDomain(ctx context.Context, domain string) error
	DeleteAllowedDomain(ctx context.Context, domain string) error
	ListAllowedDomains(ctx context.Context) ([]string, error)
	IsDomainAllowed(ctx context.Context, domain string) (bool, error)

	// Transaction Helper
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// --- PostgreSQL Implementation ---

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures
// the schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = db.PingContext(pingCtx)
	if err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgreSQLStorage{db: db}, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_data ( id INTEGER PRIMARY KEY DEFAULT 1, key_data BYTEA, cert_data BYTEA, CONSTRAINT ca_data_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS crls ( id SERIAL PRIMARY KEY, crl_data BYTEA NOT NULL, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, public_key_jwk TEXT NOT NULL UNIQUE, contact TEXT[], status TEXT NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, certificate_serial TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, order_id TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL, validated_at TIMESTAMP WITH TIME ZONE, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		`CREATE TABLE IF NOT EXISTS certificates ( id TEXT PRIMARY KEY, content TEXT NOT NULL, tbs_digest TEXT NOT NULL UNIQUE, type TEXT NOT NULL, description TEXT, subject TEXT, issuer TEXT, serial TEXT, valid_from TIMESTAMP WITH TIME ZONE, valid_to TIMESTAMP WITH TIME ZONE, issuing_certificate_id TEXT, revoked BOOLEAN NOT NULL DEFAULT false, revoked_since TIMESTAMP WITH TIME ZONE, revocation_reason INTEGER, csr_id TEXT, creation_execution_id TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_serial ON certificates (serial);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_issuer ON certificates (issuer);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_revoked ON certificates (revoked);`,
		`CREATE TABLE IF NOT EXISTS certificate_attributes ( id BIGSERIAL PRIMARY KEY, certificate_id TEXT NOT NULL REFERENCES certificates(id) ON DELETE CASCADE, name TEXT NOT NULL, value TEXT NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_certificate_attributes_cert ON certificate_attributes (certificate_id);`,
		`CREATE INDEX IF NOT EXISTS idx_certificate_attributes_name_value ON certificate_attributes (name, value);`,
		`CREATE TABLE IF NOT EXISTS audit_events ( id BIGSERIAL PRIMARY KEY, name TEXT NOT NULL, account_id TEXT, order_id TEXT, challenge_id TEXT, detail TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_domains ( domain TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.String("stmt", stmt))
			return fmt.Errorf("storage: failed to ensure schema: %w", err)
		}
	}
	logger.Info("Database schema ensured")
	return nil
}

// WithinTransaction runs fn with a Storage bound to a single transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// WithinTransaction on a transaction store reuses the ambient transaction.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, s)
}

func (s *PostgreSQLStorage) Close() error { return s.db.Close() }
func (s *postgresTxStore) Close() error   { return nil }

func (s *PostgreSQLStorage) querier() Querier { return s.db }
func (s *postgresTxStore) querier() Querier   { return s.tx }

// isUniqueViolation reports whether err is the Postgres unique_violation
// error class.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- CA Data Methods ---

func saveCAData(ctx context.Context, q Querier, column string, data []byte) error {
	query := fmt.Sprintf(`INSERT INTO ca_data (id, %s) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET %s = $1`, column, column)
	_, err := q.ExecContext(ctx, query, data)
	if err != nil {
		return fmt.Errorf("storage: failed to save CA %s: %w", column, err)
	}
	return nil
}

func getCAData(ctx context.Context, q Querier, column string) ([]byte, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT %s FROM ca_data WHERE id = 1`, column)
	err := q.QueryRowContext(ctx, query).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get CA %s: %w", column, err)
	}
	return data, nil
}

func (s *PostgreSQLStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAData(ctx, s.querier(), "key_data", keyBytes)
}
func (s *postgresTxStore) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAData(ctx, s.querier(), "key_data", keyBytes)
}
func (s *PostgreSQLStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAData(ctx, s.querier(), "key_data")
}
func (s *postgresTxStore) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAData(ctx, s.querier(), "key_data")
}
func (s *PostgreSQLStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCAData(ctx, s.querier(), "cert_data", certBytes)
}
func (s *postgresTxStore) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCAData(ctx, s.querier(), "cert_data", certBytes)
}
func (s *PostgreSQLStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCAData(ctx, s.querier(), "cert_data")
}
func (s *postgresTxStore) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCAData(ctx, s.querier(), "cert_data")
}

func saveCRL(ctx context.Context, q Querier, crlBytes []byte) error {
	_, err := q.ExecContext(ctx, `INSERT INTO crls (crl_data) VALUES ($1)`, crlBytes)
	if err != nil {
		return fmt.Errorf("storage: failed to save CRL: %w", err)
	}
	return nil
}

func getLatestCRL(ctx context.Context, q Querier) ([]byte, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT crl_data FROM crls ORDER BY created_at DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get latest CRL: %w", err)
	}
	return data, nil
}

func (s *PostgreSQLStorage) SaveCRL(ctx context.Context, b []byte) error { return saveCRL(ctx, s.querier(), b) }
func (s *postgresTxStore) SaveCRL(ctx context.Context, b []byte) error   { return saveCRL(ctx, s.querier(), b) }
func (s *PostgreSQLStorage) GetLatestCRL(ctx context.Context) ([]byte, error) {
	return getLatestCRL(ctx, s.querier())
}
func (s *postgresTxStore) GetLatestCRL(ctx context.Context) ([]byte, error) {
	return getLatestCRL(ctx, s.querier())
}

// --- Account Methods ---

func saveAccount(ctx context.Context, q Querier, acc *model.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO acme_accounts (id, public_key_jwk, contact, status, created_at, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET contact = $3, status = $4, last_modified_at = $6`,
		acc.ID, acc.PublicKeyJWK, pq.Array(acc.Contact), acc.Status, acc.CreatedAt, acc.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save account: %w", err)
	}
	return nil
}

func getAccount(ctx context.Context, q Querier, id string) (*model.Account, error) {
	acc := &model.Account{}
	err := q.QueryRowContext(ctx, `
		SELECT id, public_key_jwk, contact, status, created_at, last_modified_at
		FROM acme_accounts WHERE id = $1`, id).
		Scan(&acc.ID, &acc.PublicKeyJWK, pq.Array(&acc.Contact), &acc.Status, &acc.CreatedAt, &acc.LastModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get account: %w", err)
	}
	return acc, nil
}

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.querier(), acc)
}
func (s *postgresTxStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.querier(), acc)
}
func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.querier(), id)
}
func (s *postgresTxStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.querier(), id)
}

// --- Order Methods ---

func saveOrder(ctx context.Context, q Querier, order *model.Order) error {
	identifiersJSON, err := json.Marshal(order.Identifiers)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal order identifiers: %w", err)
	}
	order.IdentifiersJSON = string(identifiersJSON)

	_, err = q.ExecContext(ctx, `
		INSERT INTO acme_orders (id, account_id, status, expires_at, identifiers_json, not_before, not_after, certificate_serial, created_at, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET status = $3, certificate_serial = $8, last_modified_at = $10`,
		order.ID, order.AccountID, order.Status, order.Expires, order.IdentifiersJSON,
		nullableTime(order.NotBefore), nullableTime(order.NotAfter), nullableString(order.CertificateSerial),
		order.CreatedAt, order.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save order: %w", err)
	}
	return nil
}

func getOrder(ctx context.Context, q Querier, id string) (*model.Order, error) {
	order := &model.Order{}
	var notBefore, notAfter sql.NullTime
	var certSerial sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, account_id, status, expires_at, identifiers_json, not_before, not_after, certificate_serial, created_at, last_modified_at
		FROM acme_orders WHERE id = $1`, id).
		Scan(&order.ID, &order.AccountID, &order.Status, &order.Expires, &order.IdentifiersJSON,
			&notBefore, &notAfter, &certSerial, &order.CreatedAt, &order.LastModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get order: %w", err)
	}
	order.NotBefore = notBefore.Time
	order.NotAfter = notAfter.Time
	order.CertificateSerial = certSerial.String
	if err := json.Unmarshal([]byte(order.IdentifiersJSON), &order.Identifiers); err != nil {
		return nil, fmt.Errorf("storage: failed to unmarshal order identifiers: %w", err)
	}
	return order, nil
}

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.querier(), order)
}
func (s *postgresTxStore) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.querier(), order)
}
func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.querier(), id)
}
func (s *postgresTxStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.querier(), id)
}

// --- Authorization Methods ---

func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	identifierJSON, err := json.Marshal(authz.Identifier)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal authorization identifier: %w", err)
	}
	authz.IdentifierJSON = string(identifierJSON)

	_, err = q.ExecContext(ctx, `
		INSERT INTO acme_authorizations (id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = $5`,
		authz.ID, authz.AccountID, authz.OrderID, authz.IdentifierJSON, authz.Status,
		authz.Expires, authz.Wildcard, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization: %w", err)
	}
	return nil
}

func scanAuthorization(scan func(dest ...interface{}) error) (*model.Authorization, error) {
	authz := &model.Authorization{}
	err := scan(&authz.ID, &authz.AccountID, &authz.OrderID, &authz.IdentifierJSON,
		&authz.Status, &authz.Expires, &authz.Wildcard, &authz.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(authz.IdentifierJSON), &authz.Identifier); err != nil {
		return nil, fmt.Errorf("storage: failed to unmarshal authorization identifier: %w", err)
	}
	return authz, nil
}

func getAuthorization(ctx context.Context, q Querier, id string) (*model.Authorization, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at
		FROM acme_authorizations WHERE id = $1`, id)
	authz, err := scanAuthorization(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get authorization: %w", err)
	}
	return authz, nil
}

func getAuthorizationsByOrderID(ctx context.Context, q Querier, orderID string) ([]*model.Authorization, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at
		FROM acme_authorizations WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations: %w", err)
	}
	defer rows.Close()

	var authzs []*model.Authorization
	for rows.Next() {
		authz, err := scanAuthorization(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization: %w", err)
		}
		authzs = append(authzs, authz)
	}
	return authzs, rows.Err()
}

func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, a *model.Authorization) error {
	return saveAuthorization(ctx, s.querier(), a)
}
func (s *postgresTxStore) SaveAuthorization(ctx context.Context, a *model.Authorization) error {
	return saveAuthorization(ctx, s.querier(), a)
}
func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.querier(), id)
}
func (s *postgresTxStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.querier(), id)
}
func (s *PostgreSQLStorage) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.querier(), orderID)
}
func (s *postgresTxStore) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.querier(), orderID)
}

// --- Challenge Methods ---

func saveChallenge(ctx context.Context, q Querier, chal *model.Challenge) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO acme_challenges (id, authorization_id, type, status, token, validated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = $4, validated_at = $6`,
		chal.ID, chal.AuthorizationID, chal.Type, chal.Status, chal.Token,
		nullableTime(chal.Validated), chal.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge: %w", err)
	}
	return nil
}

func scanChallenge(scan func(dest ...interface{}) error) (*model.Challenge, error) {
	chal := &model.Challenge{}
	var validated sql.NullTime
	err := scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &chal.Status, &chal.Token, &validated, &chal.CreatedAt)
	if err != nil {
		return nil, err
	}
	chal.Validated = validated.Time
	return chal, nil
}

func getChallenge(ctx context.Context, q Querier, id string) (*model.Challenge, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, authorization_id, type, status, token, validated_at, created_at
		FROM acme_challenges WHERE id = $1`, id)
	chal, err := scanChallenge(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get challenge: %w", err)
	}
	return chal, nil
}

func getChallengesByAuthorizationID(ctx context.Context, q Querier, authzID string) ([]*model.Challenge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, authorization_id, type, status, token, validated_at, created_at
		FROM acme_challenges WHERE authorization_id = $1 ORDER BY created_at`, authzID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges: %w", err)
	}
	defer rows.Close()

	var chals []*model.Challenge
	for rows.Next() {
		chal, err := scanChallenge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge: %w", err)
		}
		chals = append(chals, chal)
	}
	return chals, rows.Err()
}

func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, c *model.Challenge) error {
	return saveChallenge(ctx, s.querier(), c)
}
func (s *postgresTxStore) SaveChallenge(ctx context.Context, c *model.Challenge) error {
	return saveChallenge(ctx, s.querier(), c)
}
func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.querier(), id)
}
func (s *postgresTxStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.querier(), id)
}
func (s *PostgreSQLStorage) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.querier(), authzID)
}
func (s *postgresTxStore) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.querier(), authzID)
}

// --- Audit Methods ---

func saveAuditEvent(ctx context.Context, q Querier, event *model.AuditEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_events (name, account_id, order_id, challenge_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		event.Name, nullableString(event.AccountID), nullableString(event.OrderID),
		nullableString(event.ChallengeID), event.Detail)
	if err != nil {
		return fmt.Errorf("storage: failed to save audit event: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) SaveAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	return saveAuditEvent(ctx, s.querier(), e)
}
func (s *postgresTxStore) SaveAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	return saveAuditEvent(ctx, s.querier(), e)
}

// --- API Key Methods ---

func saveAPIKey(ctx context.Context, q Querier, apiKey string, roles []string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO api_keys (api_key, roles) VALUES ($1, $2)
		ON CONFLICT (api_key) DO UPDATE SET roles = $2`, apiKey, pq.Array(roles))
	if err != nil {
		return fmt.Errorf("storage: failed to save API key: %w", err)
	}
	return nil
}

func getAPIKey(ctx context.Context, q Querier, apiKey string) ([]string, error) {
	var roles []string
	err := q.QueryRowContext(ctx, `SELECT roles FROM api_keys WHERE api_key = $1`, apiKey).
		Scan(pq.Array(&roles))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get API key: %w", err)
	}
	return roles, nil
}

func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, k string, r []string) error {
	return saveAPIKey(ctx, s.querier(), k, r)
}
func (s *postgresTxStore) SaveAPIKey(ctx context.Context, k string, r []string) error {
	return saveAPIKey(ctx, s.querier(), k, r)
}
func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, k string) ([]string, error) {
	return getAPIKey(ctx, s.querier(), k)
}
func (s *postgresTxStore) GetAPIKey(ctx context.Context, k string) ([]string, error) {
	return getAPIKey(ctx, s.querier(), k)
}

// --- Policy Methods ---

func addAllowedDomain(ctx context.Context, q Querier, domain string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO policy_allowed_domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING`, domain)
	if err != nil {
		return fmt.Errorf("storage: failed to add allowed domain: %w", err)
	}
	return nil
}

func deleteAllowedDomain(ctx context.Context, q Querier, domain string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM policy_allowed_domains WHERE domain = $1`, domain)
	if err != nil {
		return fmt.Errorf("storage: failed to delete allowed domain: %w", err)
	}
	return nil
}

func listAllowedDomains(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT domain FROM policy_allowed_domains ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list allowed domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// isDomainAllowed checks an exact match or a suffix match against a stored
// wildcard entry (".example.com" allows any subdomain).
func isDomainAllowed(ctx context.Context, q Querier, domain string) (bool, error) {
	var allowed bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM policy_allowed_domains
			WHERE domain = $1 OR (domain LIKE '.%' AND $1 LIKE '%' || domain)
		)`, domain).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("storage: failed to check allowed domain: %w", err)
	}
	return allowed, nil
}

func (s *PostgreSQLStorage) AddAllowedDomain(ctx context.Context, d string) error {
	return addAllowedDomain(ctx, s.querier(), d)
}
func (s *postgresTxStore) AddAllowedDomain(ctx context.Context, d string) error {
	return addAllowedDomain(ctx, s.querier(), d)
}
func (s *PostgreSQLStorage) DeleteAllowedDomain(ctx context.Context, d string) error {
	return deleteAllowedDomain(ctx, s.querier(), d)
}
func (s *postgresTxStore) DeleteAllowedDomain(ctx context.Context, d string) error {
	return deleteAllowedDomain(ctx, s.querier(), d)
}
func (s *PostgreSQLStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return listAllowedDomains(ctx, s.querier())
}
func (s *postgresTxStore) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return listAllowedDomains(ctx, s.querier())
}
func (s *PostgreSQLStorage) IsDomainAllowed(ctx context.Context, d string) (bool, error) {
	return isDomainAllowed(ctx, s.querier(), d)
}
func (s *postgresTxStore) IsDomainAllowed(ctx context.Context, d string) (bool, error) {
	return isDomainAllowed(ctx, s.querier(), d)
}

// --- helpers ---

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
