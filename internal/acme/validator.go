package acme

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/model"
	"github.com/nordgrid/certsmith/internal/resolver"
)

// ValidatorConfig carries the probe settings.
type ValidatorConfig struct {
	// HTTP01Ports are tried in order for the http-01 probe.
	HTTP01Ports []int
	// HTTP01Timeout bounds connect and read per http-01 attempt.
	HTTP01Timeout time.Duration
	// TLSALPNPorts are tried in order for the tls-alpn-01 probe.
	TLSALPNPorts []int
	// TLSALPNTimeout bounds the TLS handshake per tls-alpn-01 attempt.
	TLSALPNTimeout time.Duration
}

// Validator decides whether a challenge's proof is currently satisfied and,
// if so, transitions it to VALID exactly once.
type Validator struct {
	store      Store
	txt        resolver.TXTResolver
	sink       audit.Sink
	aligner    *Aligner
	clk        clock.Clock
	cfg        ValidatorConfig
	httpClient *http.Client
}

// NewValidator creates a challenge validator.
func NewValidator(store Store, txt resolver.TXTResolver, sink audit.Sink, aligner *Aligner, clk clock.Clock, cfg ValidatorConfig) *Validator {
	if len(cfg.HTTP01Ports) == 0 {
		cfg.HTTP01Ports = []int{80}
	}
	if cfg.HTTP01Timeout == 0 {
		cfg.HTTP01Timeout = 2 * time.Second
	}
	if len(cfg.TLSALPNPorts) == 0 {
		cfg.TLSALPNPorts = []int{443, 8443}
	}
	if cfg.TLSALPNTimeout == 0 {
		cfg.TLSALPNTimeout = 10 * time.Second
	}
	return &Validator{
		store:      store,
		txt:        txt,
		sink:       sink,
		aligner:    aligner,
		clk:        clk,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTP01Timeout},
	}
}

// Validate probes the challenge's proof and reports whether it is solved. A
// challenge that is already VALID returns solved without re-probing. On a
// PENDING to VALID transition the validation timestamp is recorded, the new
// status persisted, and the owning order realigned. A failed probe leaves the
// challenge PENDING; only a malformed identifier raises an error.
func (v *Validator) Validate(ctx context.Context, chal *model.Challenge) (bool, error) {
	if chal.Status == model.ChallengeStatusValid {
		logger.Debug("Challenge already valid, skipping probe", zap.String("challengeId", chal.ID))
		return true, nil
	}

	authz, err := v.store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil {
		return false, fmt.Errorf("acme: failed to load authorization %s: %w", chal.AuthorizationID, err)
	}

	identifier := strings.ToLower(strings.TrimSpace(authz.Identifier.Value))
	probeTarget := strings.TrimPrefix(identifier, "*.")
	if err := checkIdentifier(probeTarget); err != nil {
		return false, err
	}

	account, err := v.store.GetAccount(ctx, authz.AccountID)
	if err != nil {
		return false, fmt.Errorf("acme: failed to load account %s: %w", authz.AccountID, err)
	}
	keyAuth, err := KeyAuthorization(chal.Token, account.PublicKeyJWK)
	if err != nil {
		return false, err
	}

	var solved bool
	switch chal.Type {
	case model.ChallengeTypeHTTP01:
		solved = v.checkHTTP01(ctx, probeTarget, chal.Token, keyAuth)
	case model.ChallengeTypeDNS01:
		solved = v.checkDNS01(ctx, probeTarget, chal.Token)
	case model.ChallengeTypeTLSALPN01:
		solved = v.checkTLSALPN01(ctx, probeTarget, keyAuth)
	default:
		return false, fmt.Errorf("acme: unsupported challenge type %q", chal.Type)
	}

	if !solved {
		logger.Info("Challenge not yet solved",
			zap.String("challengeId", chal.ID),
			zap.String("type", chal.Type),
			zap.String("identifier", identifier))
		v.sink.Record(ctx, &model.AuditEvent{
			Name:        audit.EventChallengeFailed,
			AccountID:   authz.AccountID,
			OrderID:     authz.OrderID,
			ChallengeID: chal.ID,
			Detail:      fmt.Sprintf("%s probe for %s did not match", chal.Type, identifier),
		})
		return false, nil
	}

	chal.Status = model.ChallengeStatusValid
	chal.Validated = v.clk.Now()
	if err := v.store.SaveChallenge(ctx, chal); err != nil {
		return false, fmt.Errorf("acme: failed to persist challenge %s: %w", chal.ID, err)
	}
	logger.Info("Challenge validated",
		zap.String("challengeId", chal.ID),
		zap.String("type", chal.Type),
		zap.String("identifier", identifier))
	v.sink.Record(ctx, &model.AuditEvent{
		Name:        audit.EventChallengeValidated,
		AccountID:   authz.AccountID,
		OrderID:     authz.OrderID,
		ChallengeID: chal.ID,
		Detail:      fmt.Sprintf("%s proof for %s verified", chal.Type, identifier),
	})

	if err := v.aligner.AlignOrder(ctx, authz.OrderID); err != nil {
		return true, fmt.Errorf("acme: challenge valid but order alignment failed: %w", err)
	}
	return true, nil
}

// checkIdentifier rejects values that cannot be a DNS name before any network
// traffic happens.
func checkIdentifier(identifier string) error {
	if identifier == "" || strings.ContainsAny(identifier, " /\\:@") {
		return fmt.Errorf("%w: %q", ErrMalformedIdentifier, identifier)
	}
	if _, ok := dns.IsDomainName(identifier); !ok {
		return fmt.Errorf("%w: %q", ErrMalformedIdentifier, identifier)
	}
	return nil
}
