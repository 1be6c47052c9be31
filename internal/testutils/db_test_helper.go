// Package testutils provides shared helpers for integration tests.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestDB starts a PostgreSQL container and returns its DSN plus a
// cleanup function the caller should defer.
func SetupTestDB(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()
	dbPort := "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(1).
			WithStartupTimeout(1*time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(1*time.Minute),
	).WithDeadline(2 * time.Minute)

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	cleanup := func() {
		terminateCtx, terminateCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer terminateCancel()
		if err := postgresContainer.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		}
	}

	connStrCtx, connStrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connStrCancel()
	connStr, err := postgresContainer.ConnectionString(connStrCtx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get connection string: %s", err)
	}

	return connStr, cleanup
}
