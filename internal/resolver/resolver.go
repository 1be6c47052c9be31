// Package resolver provides the TXT lookup client used by dns-01 validation.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
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
	logger = l.With(zap.String("package", "resolver"))
}

// TXTResolver looks up TXT records. The validator consumes this interface so
// tests can inject fakes.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Client resolves TXT records against a single configured recursive resolver.
type Client struct {
	client     *dns.Client
	serverAddr string
}

// New creates a TXT lookup client. An empty host selects the first server
// from /etc/resolv.conf.
func New(host string, port int, timeout time.Duration) (*Client, error) {
	if host == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("resolver: failed to read resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("resolver: no nameservers configured")
		}
		host = conf.Servers[0]
	}
	return &Client{
		client:     &dns.Client{Timeout: timeout},
		serverAddr: net.JoinHostPort(host, strconv.Itoa(port)),
	}, nil
}

// LookupTXT queries the configured resolver for TXT records at name. Each
// returned string is one TXT record with its character-strings joined.
func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.SetEdns0(4096, false)

	resp, rtt, err := c.client.ExchangeContext(ctx, m, c.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolver: TXT query for %q failed: %w", name, err)
	}
	logger.Debug("TXT query answered",
		zap.String("name", name),
		zap.Duration("rtt", rtt),
		zap.String("rcode", dns.RcodeToString[resp.Rcode]))

	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver: TXT query for %q returned rcode %s",
			name, dns.RcodeToString[resp.Rcode])
	}

	var records []string
	for _, answer := range resp.Answer {
		if txt, ok := answer.(*dns.TXT); ok {
			var joined string
			for _, part := range txt.Txt {
				joined += part
			}
			records = append(records, joined)
		}
	}
	return records, nil
}
