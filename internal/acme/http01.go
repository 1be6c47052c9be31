package acme

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// wellKnownPath is the fixed http-01 probe path prefix.
const wellKnownPath = "/.well-known/acme-challenge/"

// maxResponseBody bounds how much of a probe response is read. Key
// authorizations are well under this.
const maxResponseBody = 4096

// checkHTTP01 fetches the well-known challenge path on each configured port
// until one serves the key authorization with status 200. A host that does
// not resolve aborts the port loop; any other connection problem just moves
// on to the next port.
func (v *Validator) checkHTTP01(ctx context.Context, identifier string, token string, keyAuth string) bool {
	for _, port := range v.cfg.HTTP01Ports {
		url := fmt.Sprintf("http://%s%s%s",
			net.JoinHostPort(identifier, strconv.Itoa(port)), wellKnownPath, token)
		logger.Debug("Probing http-01 challenge", zap.String("url", url))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			logger.Warn("Failed to build http-01 request", zap.String("url", url), zap.Error(err))
			continue
		}
		resp, err := v.httpClient.Do(req)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) {
				logger.Info("http-01 target does not resolve, aborting probe",
					zap.String("identifier", identifier), zap.Error(err))
				return false
			}
			logger.Debug("http-01 connection failed, trying next port",
				zap.String("url", url), zap.Error(err))
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
		if readErr != nil {
			logger.Debug("http-01 read failed, trying next port",
				zap.String("url", url), zap.Error(readErr))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			logger.Debug("http-01 probe returned non-200 status",
				zap.String("url", url), zap.Int("status", resp.StatusCode))
			continue
		}

		actual := strings.TrimSpace(string(body))
		if actual == keyAuth {
			logger.Debug("http-01 key authorization matched", zap.String("url", url))
			return true
		}
		logger.Info("http-01 response did not match key authorization",
			zap.String("url", url),
			zap.Int("responseLength", len(actual)))
	}
	return false
}
