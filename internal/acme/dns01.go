package acme

import (
	"context"

	"go.uber.org/zap"
)

// dnsChallengePrefix is the fixed dns-01 query name prefix.
const dnsChallengePrefix = "_acme-challenge."

// checkDNS01 looks up TXT records at the challenge name and succeeds when at
// least one returned value equals the token. An empty or non-matching result,
// like a lookup error, is just "not yet solved".
func (v *Validator) checkDNS01(ctx context.Context, identifier string, token string) bool {
	name := dnsChallengePrefix + identifier
	records, err := v.txt.LookupTXT(ctx, name)
	if err != nil {
		logger.Info("dns-01 TXT lookup failed", zap.String("name", name), zap.Error(err))
		return false
	}
	for _, record := range records {
		if record == token {
			logger.Debug("dns-01 token matched", zap.String("name", name))
			return true
		}
	}
	logger.Info("dns-01 found no matching TXT record",
		zap.String("name", name), zap.Int("records", len(records)))
	return false
}
