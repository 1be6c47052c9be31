// Package auth guards the management API with stored API keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

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
	logger = l.With(zap.String("package", "auth"))
}

// HeaderAPIKey is the request header carrying the management API key.
const HeaderAPIKey = "X-API-Key"

// rolesContextKey is the echo context key holding the caller's roles.
const rolesContextKey = "apiKeyRoles"

// KeyStore resolves API keys to role lists.
type KeyStore interface {
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)
}

// APIKeyAuthMiddleware rejects requests without a known API key and stashes
// the key's roles in the request context. When requiredRole is non-empty the
// key must also hold that role.
func APIKeyAuthMiddleware(store KeyStore, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey := c.Request().Header.Get(HeaderAPIKey)
			if apiKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			roles, err := store.GetAPIKey(c.Request().Context(), apiKey)
			if errors.Is(err, storage.ErrNotFound) {
				logger.Warn("Rejected unknown API key", zap.String("remoteAddr", c.RealIP()))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			if err != nil {
				logger.Error("API key lookup failed", zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "authorization check failed")
			}
			c.Set(rolesContextKey, roles)
			if requiredRole != "" && !HasRole(c, requiredRole) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

// Roles returns the roles stored by the middleware, or nil.
func Roles(c echo.Context) []string {
	roles, _ := c.Get(rolesContextKey).([]string)
	return roles
}

// HasRole reports whether the authenticated caller holds the given role.
func HasRole(c echo.Context, role string) bool {
	for _, r := range Roles(c) {
		if r == role {
			return true
		}
	}
	return false
}
