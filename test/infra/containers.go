package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv points the harness at an existing database instead of a container.
const DSNEnv = "ESD_TEST_DSN"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts a throwaway Postgres 16 container and returns its DSN.
// overrideDSN, then ESD_TEST_DSN, take precedence and start nothing.
func StartPostgres(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv(DSNEnv); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("esdispatch"),
		postgres.WithUsername("esd"),
		postgres.WithPassword("esd"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Shared reports whether the DSN belongs to a database we did not start.
func (p *PGContainer) Shared() bool { return p == nil || p.C == nil }

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p.Shared() {
		return nil
	}
	return p.C.Terminate(ctx)
}

func hasDSNEnv() bool { return os.Getenv(DSNEnv) != "" }
