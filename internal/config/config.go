package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

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
	logger = l.With(zap.String("package", "config"))
}

// Default configuration values.
const (
	DefaultHTTPPort             = 8080
	DefaultHTTPSPort            = 8443
	DefaultDBHost               = "localhost"
	DefaultDBPort               = 5432
	DefaultDBUser               = "certsmith"
	DefaultDBName               = "certsmith"
	DefaultDBSSLMode            = "disable"
	DefaultCAOrganization       = "Certsmith"
	DefaultCACountry            = "US"
	DefaultCACommonName         = "Certsmith Root CA"
	DefaultCAValidityYears      = 10
	DefaultCertValidityDays     = 90
	DefaultOrderLifetimeHours   = 24
	DefaultHTTP01Ports          = "80"
	DefaultHTTP01TimeoutSeconds = 2
	DefaultTLSALPNPorts         = "443,8443"
	DefaultTLSALPNTimeoutSecs   = 10
	DefaultDNSResolverHost      = ""
	DefaultDNSResolverPort      = 53
	DefaultDNSTimeoutSeconds    = 5
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	HTTPPort  int
	HTTPSPort int
	Domain    string

	// Database settings
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// CA settings
	CAOrganization   string
	CACountry        string
	CACommonName     string
	CAValidityYears  int
	CertValidityDays int

	// ACME settings
	OrderLifetimeHours int

	// Challenge validation settings
	HTTP01Ports          []int
	HTTP01TimeoutSeconds int
	TLSALPNPorts         []int
	TLSALPNTimeoutSecs   int

	// DNS resolver used for dns-01 TXT lookups. Empty host means the system
	// resolver from /etc/resolv.conf.
	DNSResolverHost   string
	DNSResolverPort   int
	DNSTimeoutSeconds int
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:  getEnvAsInt("CERTSMITH_HTTP_PORT", DefaultHTTPPort),
		HTTPSPort: getEnvAsInt("CERTSMITH_HTTPS_PORT", DefaultHTTPSPort),
		Domain:    getEnv("CERTSMITH_DOMAIN", "localhost"),

		DBHost:     getEnv("CERTSMITH_DB_HOST", DefaultDBHost),
		DBPort:     getEnvAsInt("CERTSMITH_DB_PORT", DefaultDBPort),
		DBUser:     getEnv("CERTSMITH_DB_USER", DefaultDBUser),
		DBPassword: getEnv("CERTSMITH_DB_PASSWORD", ""),
		DBName:     getEnv("CERTSMITH_DB_NAME", DefaultDBName),
		DBSSLMode:  getEnv("CERTSMITH_DB_SSLMODE", DefaultDBSSLMode),

		CAOrganization:   getEnv("CERTSMITH_CA_ORGANIZATION", DefaultCAOrganization),
		CACountry:        getEnv("CERTSMITH_CA_COUNTRY", DefaultCACountry),
		CACommonName:     getEnv("CERTSMITH_CA_COMMON_NAME", DefaultCACommonName),
		CAValidityYears:  getEnvAsInt("CERTSMITH_CA_VALIDITY_YEARS", DefaultCAValidityYears),
		CertValidityDays: getEnvAsInt("CERTSMITH_CERT_VALIDITY_DAYS", DefaultCertValidityDays),

		OrderLifetimeHours: getEnvAsInt("CERTSMITH_ORDER_LIFETIME_HOURS", DefaultOrderLifetimeHours),

		HTTP01TimeoutSeconds: getEnvAsInt("CERTSMITH_HTTP01_TIMEOUT_SECONDS", DefaultHTTP01TimeoutSeconds),
		TLSALPNTimeoutSecs:   getEnvAsInt("CERTSMITH_TLSALPN_TIMEOUT_SECONDS", DefaultTLSALPNTimeoutSecs),

		DNSResolverHost:   getEnv("CERTSMITH_DNS_RESOLVER_HOST", DefaultDNSResolverHost),
		DNSResolverPort:   getEnvAsInt("CERTSMITH_DNS_RESOLVER_PORT", DefaultDNSResolverPort),
		DNSTimeoutSeconds: getEnvAsInt("CERTSMITH_DNS_TIMEOUT_SECONDS", DefaultDNSTimeoutSeconds),
	}

	var err error
	cfg.HTTP01Ports, err = parsePortList(getEnv("CERTSMITH_HTTP01_PORTS", DefaultHTTP01Ports))
	if err != nil {
		return nil, fmt.Errorf("config: invalid CERTSMITH_HTTP01_PORTS: %w", err)
	}
	cfg.TLSALPNPorts, err = parsePortList(getEnv("CERTSMITH_TLSALPN_PORTS", DefaultTLSALPNPorts))
	if err != nil {
		return nil, fmt.Errorf("config: invalid CERTSMITH_TLSALPN_PORTS: %w", err)
	}

	if cfg.DBPassword == "" {
		logger.Warn("CERTSMITH_DB_PASSWORD is not set")
	}

	logger.Info("Configuration loaded",
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("httpsPort", cfg.HTTPSPort),
		zap.String("dbHost", cfg.DBHost),
		zap.String("dbName", cfg.DBName),
		zap.Ints("http01Ports", cfg.HTTP01Ports),
		zap.Ints("tlsAlpnPorts", cfg.TLSALPNPorts),
	)
	return cfg, nil
}

// parsePortList parses a comma-separated port list, e.g. "80,8080".
func parsePortList(s string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", part, err)
		}
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("port %d out of range", p)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("empty port list")
	}
	return ports, nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a
// default value.
func getEnvAsInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
		logger.Warn("Invalid integer value for environment variable, using default",
			zap.String("key", key), zap.Int("default", defaultValue))
	}
	return defaultValue
}
