package acme

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// KeyAuthorization builds the RFC 8555 key authorization string for a token
// and an account public key in JWK JSON form: the token, a dot, and the
// base64url-encoded RFC 7638 SHA-256 thumbprint of the key.
func KeyAuthorization(token string, accountJWK string) (string, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal([]byte(accountJWK), &jwk); err != nil {
		return "", fmt.Errorf("acme: failed to parse account JWK: %w", err)
	}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acme: failed to compute JWK thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
