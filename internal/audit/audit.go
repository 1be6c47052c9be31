// Package audit records named trace events for the certificate lifecycle.
// Recording is fire-and-forget: failures are logged, never returned to the
// caller, so audit problems cannot break issuance.
package audit

import (
	"context"
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
	logger = l.With(zap.String("package", "audit"))
}

// Audit event names.
const (
	EventChallengeValidated   = "CHALLENGE_VALIDATED"
	EventChallengeFailed      = "CHALLENGE_FAILED"
	EventOrderReady           = "ORDER_READY"
	EventCertificateIngested  = "CERTIFICATE_INGESTED"
	EventCertificateRevoked   = "CERTIFICATE_REVOKED"
	EventAccountCreated       = "ACCOUNT_CREATED"
	EventOrderCreated         = "ORDER_CREATED"
)

// Sink accepts audit events.
type Sink interface {
	Record(ctx context.Context, event *model.AuditEvent)
}

// EventStore is the storage subset the sink writes to.
type EventStore interface {
	SaveAuditEvent(ctx context.Context, event *model.AuditEvent) error
}

// StorageSink persists events through the storage layer.
type StorageSink struct {
	store EventStore
}

// NewStorageSink creates a storage-backed audit sink.
func NewStorageSink(store EventStore) *StorageSink {
	return &StorageSink{store: store}
}

// Record persists the event. Errors are logged and swallowed.
func (s *StorageSink) Record(ctx context.Context, event *model.AuditEvent) {
	if err := s.store.SaveAuditEvent(ctx, event); err != nil {
		logger.Error("Failed to record audit event",
			zap.String("event", event.Name), zap.Error(err))
		return
	}
	logger.Debug("Audit event recorded",
		zap.String("event", event.Name),
		zap.String("orderId", event.OrderID),
		zap.String("challengeId", event.ChallengeID))
}

// NopSink discards events. Used by tests and tools that don't need a trail.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(ctx context.Context, event *model.AuditEvent) {}
