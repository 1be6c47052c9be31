package model

import (
	"time"
)

// Order status values. Transitions only advance forward; INVALID is terminal
// and reachable from any non-terminal state.
const (
	OrderStatusPending    = "pending"
	OrderStatusReady      = "ready"
	OrderStatusProcessing = "processing"
	OrderStatusValid      = "valid"
	OrderStatusInvalid    = "invalid"
)

// Challenge status values. A failed probe leaves the challenge PENDING and it
// is retried on the next client poll.
const (
	ChallengeStatusPending = "pending"
	ChallengeStatusValid   = "valid"
	ChallengeStatusInvalid = "invalid"
)

// Challenge types per RFC 8555 / RFC 8737.
const (
	ChallengeTypeHTTP01    = "http-01"
	ChallengeTypeDNS01     = "dns-01"
	ChallengeTypeTLSALPN01 = "tls-alpn-01"
)

// Authorization status values. Derived from the challenges, never settable by
// clients directly.
const (
	AuthorizationStatusPending = "pending"
	AuthorizationStatusValid   = "valid"
	AuthorizationStatusInvalid = "invalid"
)

// Certificate attribute names. The attribute bag doubles as a denormalized
// index (SKI/AKI lookups for chain resolution) and a generic property store.
const (
	CertAttrType               = "TYPE"
	CertAttrSubject            = "SUBJECT"
	CertAttrIssuer             = "ISSUER"
	CertAttrSKI                = "SKI"
	CertAttrFingerprint        = "FINGERPRINT"
	CertAttrCA                 = "CA"
	CertAttrEndEntity          = "END_ENTITY"
	CertAttrChainLength        = "CHAIN_LENGTH"
	CertAttrUsage              = "USAGE"
	CertAttrSerial             = "SERIAL"
	CertAttrSerialPadded       = "SERIAL_PADDED"
	CertAttrValidFromTimestamp = "VALID_FROM_TIMESTAMP"
	CertAttrValidToTimestamp   = "VALID_TO_TIMESTAMP"
	CertAttrSignatureAlgo      = "SIGNATURE_ALGO"
	CertAttrKeyAlgo            = "KEY_ALGO"
	CertAttrHashAlgo           = "HASH_ALGO"
	CertAttrPaddingAlgo        = "PADDING_ALGO"
	CertAttrCurveName          = "CURVE_NAME"
	CertAttrSAN                = "SAN"
	CertAttrKeyLength          = "KEY_LENGTH"
)

// Account represents an ACME account on the server.
type Account struct {
	ID             string    `json:"id" db:"id"`
	PublicKeyJWK   string    `json:"-" db:"public_key_jwk"` // Public key in JWK format (JSON string)
	Contact        []string  `json:"contact,omitempty" db:"contact"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`
}

// Identifier represents a domain or other identifier in an order.
type Identifier struct {
	Type  string `json:"type"`  // e.g. "dns"
	Value string `json:"value"` // e.g. "example.com"
}

// Order represents one ACME issuance request. Status is mutated only by the
// order state aligner, never directly by the challenge validator.
type Order struct {
	ID                string       `json:"id" db:"id"`
	AccountID         string       `json:"-" db:"account_id"`
	Status            string       `json:"status" db:"status"`
	Expires           time.Time    `json:"expires" db:"expires_at"`
	Identifiers       []Identifier `json:"identifiers" db:"-"`
	NotBefore         time.Time    `json:"notBefore,omitempty" db:"not_before"`
	NotAfter          time.Time    `json:"notAfter,omitempty" db:"not_after"`
	CertificateSerial string       `json:"-" db:"certificate_serial,omitempty"`
	CreatedAt         time.Time    `json:"-" db:"created_at"`
	LastModifiedAt    time.Time    `json:"-" db:"last_modified_at"`

	// Storage helper - denormalized Identifiers JSON for easier DB storage
	IdentifiersJSON string `json:"-" db:"identifiers_json"`
}

// Authorization represents the state of one identifier within an order. Its
// status is derived from its challenges.
type Authorization struct {
	ID         string     `json:"id" db:"id"`
	AccountID  string     `json:"-" db:"account_id"`
	OrderID    string     `json:"-" db:"order_id"`
	Identifier Identifier `json:"identifier" db:"-"`
	Status     string     `json:"status" db:"status"`
	Expires    time.Time  `json:"expires,omitempty" db:"expires_at"`
	Wildcard   bool       `json:"wildcard" db:"wildcard"`
	CreatedAt  time.Time  `json:"-" db:"created_at"`

	// Storage helper - denormalized Identifier JSON for easier DB storage
	IdentifierJSON string `json:"-" db:"identifier_json"`
}

// Challenge represents one proof mechanism for an authorization. Mutated
// exclusively by the challenge validator; once VALID the validation timestamp
// is set and the status never reverts.
type Challenge struct {
	ID              string    `json:"id" db:"id"`
	AuthorizationID string    `json:"-" db:"authorization_id"`
	Type            string    `json:"type" db:"type"`
	Status          string    `json:"status" db:"status"`
	Token           string    `json:"token" db:"token"`
	Validated       time.Time `json:"validated,omitempty" db:"validated_at"`
	CreatedAt       time.Time `json:"-" db:"created_at"`
}

// Certificate is the canonical record of issued or imported certificate
// material. The TBS digest is the dedup key: re-ingesting identical bytes
// returns the existing record.
type Certificate struct {
	ID          string    `json:"id" db:"id"`
	Content     string    `json:"-" db:"content"` // PEM
	TBSDigest   string    `json:"tbsDigest" db:"tbs_digest"`
	Type        string    `json:"type" db:"type"`
	Description string    `json:"description" db:"description"`
	Subject     string    `json:"subject" db:"subject"`
	Issuer      string    `json:"issuer" db:"issuer"`
	Serial      string    `json:"serial" db:"serial"`
	ValidFrom   time.Time `json:"validFrom" db:"valid_from"`
	ValidTo     time.Time `json:"validTo" db:"valid_to"`

	// IssuingCertificateID refers to the issuer's record; it points at the
	// record itself for self-signed certificates and is empty until the
	// issuer is known.
	IssuingCertificateID string `json:"-" db:"issuing_certificate_id,omitempty"`

	Revoked          bool      `json:"revoked" db:"revoked"`
	RevokedSince     time.Time `json:"revokedSince,omitempty" db:"revoked_since"`
	RevocationReason int       `json:"revocationReason,omitempty" db:"revocation_reason"`

	CSRID               string    `json:"-" db:"csr_id,omitempty"`
	CreationExecutionID string    `json:"-" db:"creation_execution_id,omitempty"`
	CreatedAt           time.Time `json:"-" db:"created_at"`

	// Attributes is the open name/value bag, loaded alongside the record.
	Attributes []CertificateAttribute `json:"attributes,omitempty" db:"-"`
}

// CertificateAttribute is a single indexed (name, value) fact about a
// certificate. Owned exclusively by its certificate.
type CertificateAttribute struct {
	ID            int64  `json:"-" db:"id"`
	CertificateID string `json:"-" db:"certificate_id"`
	Name          string `json:"name" db:"name"`
	Value         string `json:"value" db:"value"`
}

// AuditEvent is a named trace entry referencing the involved entities.
type AuditEvent struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	AccountID   string    `json:"accountId,omitempty" db:"account_id"`
	OrderID     string    `json:"orderId,omitempty" db:"order_id"`
	ChallengeID string    `json:"challengeId,omitempty" db:"challenge_id"`
	Detail      string    `json:"detail" db:"detail"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// AttributeValue returns the first value recorded under name, or "".
func (c *Certificate) AttributeValue(name string) string {
	for _, a := range c.Attributes {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// AttributeValues returns every value recorded under name.
func (c *Certificate) AttributeValues(name string) []string {
	var values []string
	for _, a := range c.Attributes {
		if a.Name == name {
			values = append(values, a.Value)
		}
	}
	return values
}
