// Package acme implements challenge validation and order state alignment for
// the RFC 8555 proof-of-possession flow.
package acme

import (
	"context"
	"errors"
	"fmt"

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
	logger = l.With(zap.String("package", "acme"))
}

// ErrMalformedIdentifier indicates an identifier value that cannot be used as
// a domain name. This is the only hard error a validation attempt raises;
// network failures are reported as "not yet solved".
var ErrMalformedIdentifier = errors.New("acme: identifier is not a valid domain name")

// Store is the subset of storage the validator and aligner need.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SaveOrder(ctx context.Context, order *model.Order) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)
}
