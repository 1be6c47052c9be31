package server_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/testutils"
)

// resourcePath strips the scheme and host off an ACME resource URL so the
// request can be replayed against the test echo instance.
func resourcePath(t *testing.T, rawURL string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	require.NotEmpty(t, parsed.Path)
	return parsed.Path
}

func postJOSE(e *echo.Echo, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/jose+json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func getResource(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// signJOSE signs a payload the way an ACME client does, either with the
// embedded public JWK (new-account) or with a kid pointing at the account.
func signJOSE(t *testing.T, key *ecdsa.PrivateKey, kid string, payload interface{}) string {
	t.Helper()
	opts := &jose.SignerOptions{}
	if kid == "" {
		opts.EmbedJWK = true
	} else {
		opts.WithHeader("kid", kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	require.NoError(t, err)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	jws, err := signer.Sign(raw)
	require.NoError(t, err)
	return jws.FullSerialize()
}

// TestACMEIssuanceFlow drives the whole issuance pipeline over HTTP: account
// registration, order creation, dns-01 validation, finalization, and
// certificate download.
func TestACMEIssuanceFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	dsn, cleanup := testutils.SetupTestDB(t)
	defer cleanup()

	txt := &testutils.FakeTXTResolver{Records: map[string][]string{}}
	e, store, _ := testutils.SetupTestServer(t, dsn, txt)
	ctx := context.Background()

	// Suffix policy entry so subdomains of example.org are orderable.
	require.NoError(t, store.AddAllowedDomain(ctx, ".example.org"))

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	// New account with an embedded JWK.
	rec := postJOSE(e, "/acme/new-account", signJOSE(t, accountKey, "", map[string]interface{}{
		"contact": []string{"mailto:ops@example.org"},
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	kid := rec.Header().Get("Location")
	require.NotEmpty(t, kid)

	// New order, signed with the account kid.
	rec = postJOSE(e, "/acme/new-order", signJOSE(t, accountKey, kid, map[string]interface{}{
		"identifiers": []model.Identifier{{Type: "dns", Value: "www.example.org"}},
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	orderPath := resourcePath(t, rec.Header().Get("Location"))

	var order struct {
		Status         string   `json:"status"`
		Authorizations []string `json:"authorizations"`
		Finalize       string   `json:"finalize"`
		Certificate    string   `json:"certificate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, model.OrderStatusPending, order.Status)
	require.Len(t, order.Authorizations, 1)

	// Pick the dns-01 challenge off the authorization.
	rec = getResource(e, resourcePath(t, order.Authorizations[0]))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var authz struct {
		Status     string `json:"status"`
		Challenges []struct {
			Type   string `json:"type"`
			URL    string `json:"url"`
			Token  string `json:"token"`
			Status string `json:"status"`
		} `json:"challenges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &authz))
	require.Len(t, authz.Challenges, 3, "non-wildcard identifiers offer all three challenge types")

	var chalPath, token string
	for _, chal := range authz.Challenges {
		if chal.Type == model.ChallengeTypeDNS01 {
			chalPath = resourcePath(t, chal.URL)
			token = chal.Token
		}
	}
	require.NotEmpty(t, chalPath)

	// Polling before the TXT record exists leaves the challenge pending.
	rec = postJOSE(e, chalPath, signJOSE(t, accountKey, kid, map[string]interface{}{}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var chalView struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chalView))
	assert.Equal(t, model.ChallengeStatusPending, chalView.Status)

	// Publish the token and poll again.
	txt.Records["_acme-challenge.www.example.org"] = []string{token}
	rec = postJOSE(e, chalPath, signJOSE(t, accountKey, kid, map[string]interface{}{}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chalView))
	assert.Equal(t, model.ChallengeStatusValid, chalView.Status)

	rec = getResource(e, orderPath)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	require.Equal(t, model.OrderStatusReady, order.Status)

	// Finalize with a CSR for the validated identifier.
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "www.example.org"},
		DNSNames: []string{"www.example.org"},
	}, certKey)
	require.NoError(t, err)

	rec = postJOSE(e, resourcePath(t, order.Finalize), signJOSE(t, accountKey, kid, map[string]interface{}{
		"csr": base64.RawURLEncoding.EncodeToString(csrDER),
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, model.OrderStatusValid, order.Status)
	require.NotEmpty(t, order.Certificate)

	// Download and parse the issued certificate.
	rec = getResource(e, resourcePath(t, order.Certificate))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	block, _ := pem.Decode(rec.Body.Bytes())
	require.NotNil(t, block, "certificate endpoint serves PEM")
	issued, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Contains(t, issued.DNSNames, "www.example.org")
}

// TestACMENewOrderRejectsDisallowedDomain covers the policy gate in front of
// order creation.
func TestACMENewOrderRejectsDisallowedDomain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	dsn, cleanup := testutils.SetupTestDB(t)
	defer cleanup()

	txt := &testutils.FakeTXTResolver{Records: map[string][]string{}}
	e, _, _ := testutils.SetupTestServer(t, dsn, txt)

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rec := postJOSE(e, "/acme/new-account", signJOSE(t, accountKey, "", map[string]interface{}{}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	kid := rec.Header().Get("Location")

	rec = postJOSE(e, "/acme/new-order", signJOSE(t, accountKey, kid, map[string]interface{}{
		"identifiers": []model.Identifier{{Type: "dns", Value: "forbidden.example.net"}},
	}))
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}
