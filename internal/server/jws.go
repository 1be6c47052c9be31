package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"

	"github.com/nordgrid/certsmith/internal/model"
)

// maxRequestBody bounds ACME request bodies.
const maxRequestBody = 1 << 20

// allowedAlgorithms lists the JWS signature algorithms accepted on ACME
// requests.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// acmeRequest is a verified ACME request body.
type acmeRequest struct {
	Payload []byte
	// Account is set when the request was signed with a known account key
	// (kid header). Nil for new-account requests.
	Account *model.Account
	// JWK is the embedded public key of a new-account request.
	JWK *jose.JSONWebKey
}

// verifyJWS parses the request body as a JWS, verifies the signature against
// either the embedded JWK (new-account) or the stored account key (kid), and
// returns the verified payload. Nonce and external account binding handling
// are not part of this surface.
func verifyJWS(c echo.Context) (*acmeRequest, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	jws, err := jose.ParseSigned(string(body), allowedAlgorithms)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed JWS")
	}
	if len(jws.Signatures) != 1 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "expected exactly one JWS signature")
	}
	header := jws.Signatures[0].Protected

	if header.JSONWebKey != nil {
		payload, err := jws.Verify(header.JSONWebKey)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusUnauthorized, "JWS signature verification failed")
		}
		return &acmeRequest{Payload: payload, JWK: header.JSONWebKey}, nil
	}

	if header.KeyID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "JWS carries neither jwk nor kid")
	}
	accountID := path.Base(header.KeyID)
	account, err := deps(c).Store.GetAccount(c.Request().Context(), accountID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unknown account key")
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal([]byte(account.PublicKeyJWK), &jwk); err != nil {
		return nil, fmt.Errorf("server: stored account key unparsable: %w", err)
	}
	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "JWS signature verification failed")
	}
	return &acmeRequest{Payload: payload, Account: account}, nil
}
