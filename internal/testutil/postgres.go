package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// PostgresDSN returns the connection string of a shared postgres container.
func PostgresDSN(t *testing.T) string {
	t.Helper()

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		pgC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// the server restarts once after init
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "jobworker",
				"POSTGRES_PASSWORD": "jobworker",
				"POSTGRES_DB":       "jobworker_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := pgC.Endpoint(ctx, "")
		if err != nil {
			_ = pgC.Terminate(context.Background())
			pgErr = err
			return
		}

		pgDSN = fmt.Sprintf("postgres://jobworker:jobworker@%s/jobworker_test?sslmode=disable", endpoint)
	})

	if pgErr != nil {
		t.Skipf("postgres container is not available: %v", pgErr)
	}

	return pgDSN
}
