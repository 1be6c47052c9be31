package testutils

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/nordgrid/certsmith/internal/acme"
	"github.com/nordgrid/certsmith/internal/audit"
	"github.com/nordgrid/certsmith/internal/ca"
	"github.com/nordgrid/certsmith/internal/certs"
	"github.com/nordgrid/certsmith/internal/config"
	"github.com/nordgrid/certsmith/internal/resolver"
	"github.com/nordgrid/certsmith/internal/server"
	"github.com/nordgrid/certsmith/internal/storage"
)

// StorageFromDSN opens the storage layer against a test database DSN as
// produced by SetupTestDB.
func StorageFromDSN(t *testing.T, dsn string) *storage.PostgreSQLStorage {
	t.Helper()

	parsedURL, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("Failed to parse test DB connection string %q: %v", dsn, err)
	}
	port := 5432
	if parsedURL.Port() != "" {
		port, _ = strconv.Atoi(parsedURL.Port())
	}
	user := parsedURL.User.Username()
	password, _ := parsedURL.User.Password()
	dbName := strings.TrimPrefix(parsedURL.Path, "/")

	store, err := storage.NewPostgreSQLStorage(
		parsedURL.Hostname(), user, password, dbName, port, "disable")
	if err != nil {
		t.Fatalf("Failed to initialize test storage: %v", err)
	}
	return store
}

// FakeTXTResolver answers TXT lookups from a fixed map.
type FakeTXTResolver struct {
	Records map[string][]string
	Err     error
}

// LookupTXT implements resolver.TXTResolver.
func (f *FakeTXTResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Records[name], nil
}

var _ resolver.TXTResolver = (*FakeTXTResolver)(nil)

// SetupTestServer wires the full application against the given DSN and
// returns the HTTPS echo instance, the storage layer, and the dependency
// bundle for direct access to the engine and validator.
func SetupTestServer(t *testing.T, dsn string, txt resolver.TXTResolver) (*echo.Echo, *storage.PostgreSQLStorage, *server.Deps) {
	t.Helper()

	testLogger := zaptest.NewLogger(t)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	store := StorageFromDSN(t, dsn)

	clk := clock.NewFake()
	sink := audit.NewStorageSink(store)

	caService, err := ca.New(ctx, cfg, store, clk)
	if err != nil {
		t.Fatalf("Failed to initialize CA service: %v", err)
	}
	engine := certs.NewEngine(store, sink, clk)
	aligner := acme.NewAligner(store, sink, clk)
	validator := acme.NewValidator(store, txt, sink, aligner, clk, acme.ValidatorConfig{})

	deps := &server.Deps{
		Cfg:       cfg,
		Store:     store,
		CAService: caService,
		Engine:    engine,
		Validator: validator,
		Aligner:   aligner,
		Sink:      sink,
	}

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, deps, testLogger)
	server.ApplyCommonMiddleware(httpsInstance, deps, testLogger)
	server.SetupRouter(httpInstance, httpsInstance, deps)

	return httpsInstance, store, deps
}
