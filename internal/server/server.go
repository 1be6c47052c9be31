// Package server wires the ACME and management HTTP surfaces onto two echo
// instances: challenge plumbing on plain HTTP, everything else on HTTPS.
package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nordgrid/certsmith/internal/acme"
	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/auth"
	"github.com/nordgrid/certsmith/internal/ca"
	"github.com/nordgrid/certsmith/internal/certs"
	"github.com/nordgrid/certsmith/internal/config"
	"github.com/nordgrid/certsmith/internal/storage"
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
	logger = l.With(zap.String("package", "server"))
}

// Deps bundles everything the handlers need.
type Deps struct {
	Cfg       *config.Config
	Store     storage.Storage
	CAService *ca.Service
	Engine    *certs.Engine
	Validator *acme.Validator
	Aligner   *acme.Aligner
	Sink      audit.Sink
}

// Context keys for injected dependencies.
const (
	ctxKeyDeps   = "deps"
	ctxKeyLogger = "logger"
)

// deps fetches the dependency bundle from the request context.
func deps(c echo.Context) *Deps {
	return c.Get(ctxKeyDeps).(*Deps)
}

// requestLogger fetches the per-request logger from the context.
func requestLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get(ctxKeyLogger).(*zap.Logger); ok {
		return l
	}
	return logger
}

// ApplyCommonMiddleware applies essential middleware to an echo instance and
// injects dependencies into the request context.
func ApplyCommonMiddleware(e *echo.Echo, d *Deps, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set(ctxKeyDeps, d)
			c.Set(ctxKeyLogger, baseLogger.With(zap.String("request_id", reqID)))
			return next(c)
		}
	})
}

// SetupRouter defines all HTTP and HTTPS routes for the application.
func SetupRouter(httpInstance, httpsInstance *echo.Echo, d *Deps) {
	// --- HTTP routes ---
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certsmith is running")
	})
	httpInstance.GET("/crl", handleCRL)

	// --- HTTPS routes ---
	httpsInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certsmith is running")
	})

	acmeGroup := httpsInstance.Group("/acme")
	acmeGroup.GET("/directory", handleDirectory)
	acmeGroup.POST("/new-account", handleNewAccount)
	acmeGroup.POST("/new-order", handleNewOrder)
	acmeGroup.POST("/order/:orderID", handleGetOrder)
	acmeGroup.GET("/order/:orderID", handleGetOrder)
	acmeGroup.POST("/authz/:authzID", handleAuthorization)
	acmeGroup.GET("/authz/:authzID", handleAuthorization)
	acmeGroup.POST("/chall/:challengeID", handleChallenge)
	acmeGroup.POST("/finalize/:orderID", handleFinalize)
	acmeGroup.GET("/cert/:certID", handleCertificate)

	const adminRole = "admin"
	apiGroup := httpsInstance.Group("/api/v1")
	apiGroup.Use(auth.APIKeyAuthMiddleware(d.Store, adminRole))

	apiGroup.GET("/certificates", handleSearchCertificates)
	apiGroup.GET("/certificates/:certID", handleGetCertificateRecord)
	apiGroup.POST("/certificates/:certID/revoke", handleRevokeCertificate)
	apiGroup.POST("/certificates/:certID/resolve-issuer", handleResolveIssuer)

	apiGroup.POST("/policy/domains", handleAddDomain)
	apiGroup.GET("/policy/domains", handleListDomains)
	apiGroup.DELETE("/policy/domains/:domain", handleDeleteDomain)
}
