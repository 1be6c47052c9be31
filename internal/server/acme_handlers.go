package server

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/nordgrid/certsmith/internal/acme"
	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/storage"
	"github.com/nordgrid/certsmith/internal/x509util"
)

// baseURL is the externally visible HTTPS origin.
func baseURL(c echo.Context) string {
	cfg := deps(c).Cfg
	return fmt.Sprintf("https://%s:%d", cfg.Domain, cfg.HTTPSPort)
}

// newToken creates a fresh challenge token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("server: failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func handleDirectory(c echo.Context) error {
	base := baseURL(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"newAccount": base + "/acme/new-account",
		"newOrder":   base + "/acme/new-order",
		"meta": map[string]interface{}{
			"website": base,
		},
	})
}

func handleNewAccount(c echo.Context) error {
	d := deps(c)
	l := requestLogger(c)
	ctx := c.Request().Context()

	req, err := verifyJWS(c)
	if err != nil {
		return err
	}
	if req.JWK == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "new-account requires an embedded jwk")
	}

	var payload struct {
		Contact []string `json:"contact"`
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed new-account payload")
		}
	}

	jwkJSON, err := req.JWK.MarshalJSON()
	if err != nil {
		return fmt.Errorf("server: failed to marshal account key: %w", err)
	}

	now := time.Now()
	account := &model.Account{
		ID:             uuid.New().String(),
		PublicKeyJWK:   string(jwkJSON),
		Contact:        payload.Contact,
		Status:         "valid",
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := d.Store.SaveAccount(ctx, account); err != nil {
		return fmt.Errorf("server: failed to save account: %w", err)
	}
	l.Info("Account created", zap.String("accountId", account.ID))
	d.Sink.Record(ctx, &model.AuditEvent{
		Name:      audit.EventAccountCreated,
		AccountID: account.ID,
	})

	c.Response().Header().Set("Location", baseURL(c)+"/acme/account/"+account.ID)
	return c.JSON(http.StatusCreated, account)
}

func handleNewOrder(c echo.Context) error {
	d := deps(c)
	l := requestLogger(c)
	ctx := c.Request().Context()

	req, err := verifyJWS(c)
	if err != nil {
		return err
	}
	if req.Account == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "new-order requires an account key (kid)")
	}

	var payload struct {
		Identifiers []model.Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil || len(payload.Identifiers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "order needs at least one identifier")
	}

	for _, ident := range payload.Identifiers {
		if ident.Type != "dns" {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("unsupported identifier type %q", ident.Type))
		}
		domain := strings.ToLower(strings.TrimPrefix(ident.Value, "*."))
		allowed, err := d.Store.IsDomainAllowed(ctx, domain)
		if err != nil {
			return fmt.Errorf("server: policy check failed: %w", err)
		}
		if !allowed {
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("identifier %q is not allowed by policy", ident.Value))
		}
	}

	now := time.Now()
	expires := now.Add(time.Duration(d.Cfg.OrderLifetimeHours) * time.Hour)
	order := &model.Order{
		ID:             uuid.New().String(),
		AccountID:      req.Account.ID,
		Status:         model.OrderStatusPending,
		Expires:        expires,
		Identifiers:    payload.Identifiers,
		CreatedAt:      now,
		LastModifiedAt: now,
	}

	err = d.Store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		for _, ident := range payload.Identifiers {
			authz := &model.Authorization{
				ID:         uuid.New().String(),
				AccountID:  req.Account.ID,
				OrderID:    order.ID,
				Identifier: ident,
				Status:     model.AuthorizationStatusPending,
				Expires:    expires,
				Wildcard:   strings.HasPrefix(ident.Value, "*."),
				CreatedAt:  now,
			}
			if err := tx.SaveAuthorization(ctx, authz); err != nil {
				return err
			}
			challengeTypes := []string{model.ChallengeTypeDNS01}
			if !authz.Wildcard {
				challengeTypes = []string{
					model.ChallengeTypeHTTP01,
					model.ChallengeTypeDNS01,
					model.ChallengeTypeTLSALPN01,
				}
			}
			for _, chalType := range challengeTypes {
				token, err := newToken()
				if err != nil {
					return err
				}
				chal := &model.Challenge{
					ID:              uuid.New().String(),
					AuthorizationID: authz.ID,
					Type:            chalType,
					Status:          model.ChallengeStatusPending,
					Token:           token,
					CreatedAt:       now,
				}
				if err := tx.SaveChallenge(ctx, chal); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("server: failed to create order: %w", err)
	}

	l.Info("Order created",
		zap.String("orderId", order.ID),
		zap.Int("identifiers", len(payload.Identifiers)))
	d.Sink.Record(ctx, &model.AuditEvent{
		Name:      audit.EventOrderCreated,
		AccountID: req.Account.ID,
		OrderID:   order.ID,
	})

	c.Response().Header().Set("Location", baseURL(c)+"/acme/order/"+order.ID)
	return c.JSON(http.StatusCreated, orderResponse(c, order))
}

// orderResponse renders an order with its resource URLs.
func orderResponse(c echo.Context, order *model.Order) map[string]interface{} {
	base := baseURL(c)
	authzs, err := deps(c).Store.GetAuthorizationsByOrderID(c.Request().Context(), order.ID)
	if err != nil {
		requestLogger(c).Error("Failed to load authorizations for response", zap.Error(err))
	}
	authzURLs := make([]string, 0, len(authzs))
	for _, authz := range authzs {
		authzURLs = append(authzURLs, base+"/acme/authz/"+authz.ID)
	}
	resp := map[string]interface{}{
		"status":         order.Status,
		"expires":        order.Expires,
		"identifiers":    order.Identifiers,
		"authorizations": authzURLs,
		"finalize":       base + "/acme/finalize/" + order.ID,
	}
	if order.CertificateSerial != "" {
		resp["certificate"] = base + "/acme/cert/" + order.CertificateSerial
	}
	return resp
}

func handleGetOrder(c echo.Context) error {
	d := deps(c)
	order, err := d.Store.GetOrder(c.Request().Context(), c.Param("orderID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load order: %w", err)
	}
	return c.JSON(http.StatusOK, orderResponse(c, order))
}

func handleAuthorization(c echo.Context) error {
	d := deps(c)
	ctx := c.Request().Context()
	authz, err := d.Store.GetAuthorization(ctx, c.Param("authzID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "authorization not found")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load authorization: %w", err)
	}
	chals, err := d.Store.GetChallengesByAuthorizationID(ctx, authz.ID)
	if err != nil {
		return fmt.Errorf("server: failed to load challenges: %w", err)
	}

	base := baseURL(c)
	chalViews := make([]map[string]interface{}, 0, len(chals))
	for _, chal := range chals {
		chalViews = append(chalViews, map[string]interface{}{
			"type":   chal.Type,
			"url":    base + "/acme/chall/" + chal.ID,
			"status": chal.Status,
			"token":  chal.Token,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"identifier": authz.Identifier,
		"status":     authz.Status,
		"expires":    authz.Expires,
		"wildcard":   authz.Wildcard,
		"challenges": chalViews,
	})
}

func handleChallenge(c echo.Context) error {
	d := deps(c)
	l := requestLogger(c)
	ctx := c.Request().Context()

	chal, err := d.Store.GetChallenge(ctx, c.Param("challengeID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "challenge not found")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load challenge: %w", err)
	}

	solved, err := d.Validator.Validate(ctx, chal)
	if errors.Is(err, acme.ErrMalformedIdentifier) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return fmt.Errorf("server: challenge validation failed: %w", err)
	}
	l.Info("Challenge poll handled",
		zap.String("challengeId", chal.ID), zap.Bool("solved", solved))

	return c.JSON(http.StatusOK, map[string]interface{}{
		"type":      chal.Type,
		"url":       baseURL(c) + "/acme/chall/" + chal.ID,
		"status":    chal.Status,
		"token":     chal.Token,
		"validated": chal.Validated,
	})
}

func handleFinalize(c echo.Context) error {
	d := deps(c)
	l := requestLogger(c)
	ctx := c.Request().Context()

	req, err := verifyJWS(c)
	if err != nil {
		return err
	}
	if req.Account == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "finalize requires an account key (kid)")
	}

	order, err := d.Store.GetOrder(ctx, c.Param("orderID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load order: %w", err)
	}
	if order.AccountID != req.Account.ID {
		return echo.NewHTTPError(http.StatusForbidden, "order belongs to another account")
	}
	if order.Status != model.OrderStatusReady {
		return echo.NewHTTPError(http.StatusForbidden,
			fmt.Sprintf("order is %s, not ready", order.Status))
	}

	var payload struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.CSR == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "finalize payload needs a csr")
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "csr is not base64url")
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "csr is not parsable")
	}

	order.Status = model.OrderStatusProcessing
	order.LastModifiedAt = time.Now()
	if err := d.Store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("server: failed to persist order: %w", err)
	}

	cert, err := d.CAService.SignCSR(ctx, csr, 0)
	if err != nil {
		l.Error("CSR signing failed", zap.String("orderId", order.ID), zap.Error(err))
		order.Status = model.OrderStatusInvalid
		order.LastModifiedAt = time.Now()
		if saveErr := d.Store.SaveOrder(ctx, order); saveErr != nil {
			l.Error("Failed to mark order invalid", zap.Error(saveErr))
		}
		return echo.NewHTTPError(http.StatusForbidden, "CSR rejected")
	}

	record, err := d.Engine.Ingest(ctx, x509util.EncodePEM(cert), "", order.ID, false)
	if err != nil {
		return fmt.Errorf("server: failed to ingest issued certificate: %w", err)
	}

	order.CertificateSerial = record.Serial
	order.Status = model.OrderStatusValid
	order.LastModifiedAt = time.Now()
	if err := d.Store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("server: failed to persist order: %w", err)
	}
	l.Info("Order finalized",
		zap.String("orderId", order.ID),
		zap.String("certificateId", record.ID),
		zap.String("serial", record.Serial))

	return c.JSON(http.StatusOK, orderResponse(c, order))
}

// handleCertificate serves the issued certificate chain as PEM, leaf first.
func handleCertificate(c echo.Context) error {
	d := deps(c)
	ctx := c.Request().Context()

	found, err := d.Store.FindCertificatesByAttribute(ctx, model.CertAttrSerial, c.Param("certID"))
	if err != nil {
		return fmt.Errorf("server: certificate lookup failed: %w", err)
	}
	if len(found) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}

	var chain strings.Builder
	seen := make(map[string]bool)
	current := found[0]
	for current != nil && !seen[current.ID] {
		seen[current.ID] = true
		chain.WriteString(current.Content)
		if current.IssuingCertificateID == "" || current.IssuingCertificateID == current.ID {
			break
		}
		next, err := d.Store.GetCertificate(ctx, current.IssuingCertificateID)
		if err != nil {
			requestLogger(c).Warn("Chain walk stopped early", zap.Error(err))
			break
		}
		current = next
	}
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(chain.String()))
}

// handleCRL serves the latest CRL.
func handleCRL(c echo.Context) error {
	d := deps(c)
	crlBytes, err := d.Store.GetLatestCRL(c.Request().Context())
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no CRL generated yet")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load CRL: %w", err)
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", crlBytes)
}
