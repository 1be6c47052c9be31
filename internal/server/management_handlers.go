package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/certs"
	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/storage"
)

// handleSearchCertificates finds certificate records by an attribute
// name/value pair, e.g. ?name=SAN&value=www.example.org.
func handleSearchCertificates(c echo.Context) error {
	d := deps(c)
	name := c.QueryParam("name")
	value := c.QueryParam("value")
	if name == "" || value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and value query parameters are required")
	}
	found, err := d.Store.FindCertificatesByAttribute(c.Request().Context(), name, value)
	if err != nil {
		return fmt.Errorf("server: certificate search failed: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":        len(found),
		"certificates": found,
	})
}

func handleGetCertificateRecord(c echo.Context) error {
	d := deps(c)
	cert, err := d.Store.GetCertificate(c.Request().Context(), c.Param("certID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load certificate: %w", err)
	}
	return c.JSON(http.StatusOK, cert)
}

// handleRevokeCertificate marks a certificate revoked and regenerates the
// CRL.
func handleRevokeCertificate(c echo.Context) error {
	d := deps(c)
	l := requestLogger(c)
	ctx := c.Request().Context()

	var payload struct {
		ReasonCode int `json:"reasonCode"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed revocation payload")
	}

	certID := c.Param("certID")
	cert, err := d.Store.GetCertificate(ctx, certID)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load certificate: %w", err)
	}
	if cert.Revoked {
		return c.JSON(http.StatusOK, cert)
	}

	now := time.Now()
	if err := d.Store.UpdateCertificateRevocation(ctx, certID, true, now, payload.ReasonCode); err != nil {
		return fmt.Errorf("server: failed to revoke certificate: %w", err)
	}
	l.Info("Certificate revoked",
		zap.String("certificateId", certID), zap.Int("reasonCode", payload.ReasonCode))
	d.Sink.Record(ctx, &model.AuditEvent{
		Name:   audit.EventCertificateRevoked,
		Detail: fmt.Sprintf("certificate %s revoked with reason %d", certID, payload.ReasonCode),
	})

	if _, err := d.CAService.GenerateCRL(ctx); err != nil {
		l.Error("CRL regeneration after revocation failed", zap.Error(err))
	}

	cert, err = d.Store.GetCertificate(ctx, certID)
	if err != nil {
		return fmt.Errorf("server: failed to reload certificate: %w", err)
	}
	return c.JSON(http.StatusOK, cert)
}

// handleResolveIssuer retries chain resolution for a record whose issuer was
// unknown when it was ingested.
func handleResolveIssuer(c echo.Context) error {
	d := deps(c)
	ctx := c.Request().Context()

	record, err := d.Store.GetCertificate(ctx, c.Param("certID"))
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	if err != nil {
		return fmt.Errorf("server: failed to load certificate: %w", err)
	}

	issuer, err := d.Engine.ResolveDeferred(ctx, record)
	switch {
	case errors.Is(err, certs.ErrIssuerNotFound):
		return echo.NewHTTPError(http.StatusConflict, "issuer not yet known")
	case errors.Is(err, certs.ErrAmbiguousIssuer):
		return echo.NewHTTPError(http.StatusConflict, "ambiguous issuer candidates")
	case err != nil:
		return fmt.Errorf("server: issuer resolution failed: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"certificateId":        record.ID,
		"issuingCertificateId": issuer.ID,
	})
}

// --- Domain policy handlers ---

func handleAddDomain(c echo.Context) error {
	d := deps(c)
	var payload struct {
		Domain string `json:"domain"`
	}
	if err := c.Bind(&payload); err != nil || strings.TrimSpace(payload.Domain) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain is required")
	}
	domain := strings.ToLower(strings.TrimSpace(payload.Domain))
	if err := d.Store.AddAllowedDomain(c.Request().Context(), domain); err != nil {
		return fmt.Errorf("server: failed to add allowed domain: %w", err)
	}
	requestLogger(c).Info("Domain added to issuance policy", zap.String("domain", domain))
	return c.JSON(http.StatusCreated, map[string]string{"domain": domain})
}

func handleListDomains(c echo.Context) error {
	d := deps(c)
	domains, err := d.Store.ListAllowedDomains(c.Request().Context())
	if err != nil {
		return fmt.Errorf("server: failed to list allowed domains: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"domains": domains})
}

func handleDeleteDomain(c echo.Context) error {
	d := deps(c)
	domain := strings.ToLower(c.Param("domain"))
	if err := d.Store.DeleteAllowedDomain(c.Request().Context(), domain); err != nil {
		return fmt.Errorf("server: failed to delete allowed domain: %w", err)
	}
	requestLogger(c).Info("Domain removed from issuance policy", zap.String("domain", domain))
	return c.NoContent(http.StatusNoContent)
}
