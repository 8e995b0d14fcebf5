// Package containers starts throwaway service containers for integration
// tests.
package containers

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps the testcontainers postgres module with the
// connection string the rest of the test harness needs.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts a disposable PostgreSQL server. Callers own
// termination; TestDB registers it as a test cleanup.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("capitol_test"),
		postgres.WithUsername("capitol"),
		postgres.WithPassword("capitol"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				// The server restarts once during init, so wait for the
				// second ready line.
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
				wait.ForListeningPort(nat.Port("5432/tcp")).
					WithStartupTimeout(30*time.Second),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: pgContainer,
		ConnectionString:  connStr,
	}, nil
}
