package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"esdispatch/agent"
	"esdispatch/audit"
	"esdispatch/dispatch"
	"esdispatch/enrollment"
	"esdispatch/offer"
	"esdispatch/sweeper"
)

// Harness owns a migrated Postgres and the pool tests run against.
type Harness struct {
	container *PGContainer
	schema    *Schema
	pool      *pgxpool.Pool
}

// NewHarness finds a database (overrideDSN, ESD_TEST_DSN, Docker, then a
// local Postgres), migrates it and opens a pool. It returns ErrNoDatabase
// when none is reachable so callers can skip.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		pgC *PGContainer
		dsn string
		err error
	)
	switch {
	case overrideDSN != "" || hasDSNEnv():
		pgC, dsn, err = StartPostgres(ctx, overrideDSN)
	case DockerAvailable(ctx):
		pgC, dsn, err = StartPostgres(ctx, "")
	default:
		pgC = &PGContainer{}
		dsn, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		return nil, err
	}

	h := &Harness{container: pgC}
	h.schema, err = Migrate(ctx, dsn, pgC.Shared())
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	h.pool, err = h.schema.Open(ctx, "esd-test", 64)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Pool exposes the harness pool.
func (h *Harness) Pool() *pgxpool.Pool { return h.pool }

// OpenPool opens an extra pool on the same schema, e.g. one chaos may kill.
func (h *Harness) OpenPool(ctx context.Context, appName string, maxConns int32) (*pgxpool.Pool, error) {
	return h.schema.Open(ctx, appName, maxConns)
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.schema != nil {
		_ = h.schema.Drop(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates every table so a test starts from a clean slate.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE audit_log, enrollment_offers, enrollments, users RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// AddUser inserts a users row directly.
func (h *Harness) AddUser(ctx context.Context, id, name, role string, status agent.Status, lastAssigned *time.Time) error {
	const q = `
		INSERT INTO users (id, name, email, role, status, last_assigned_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)`
	email := fmt.Sprintf("%s@example.test", id)
	if _, err := h.pool.Exec(ctx, q, id, name, email, role, string(status), lastAssigned); err != nil {
		return fmt.Errorf("add user %s: %w", id, err)
	}
	return nil
}

// Stack is the dispatch engine wired to real repositories.
type Stack struct {
	Agents      *agent.PGRepository
	Enrollments *enrollment.PGRepository
	Offers      *offer.PGRepository
	Service     *dispatch.Service
	Sweeper     *sweeper.Sweeper
}

// NewStack wires the engine over pool. now may be nil for the wall clock.
func NewStack(pool *pgxpool.Pool, now func() time.Time, ttl time.Duration, cfg sweeper.Config) *Stack {
	s := &Stack{
		Agents:      agent.NewRepository(pool),
		Enrollments: enrollment.NewRepository(pool),
		Offers:      offer.NewRepository(pool),
	}
	s.Service = dispatch.NewService(pool, s.Agents, s.Enrollments, s.Offers).
		WithOfferTTL(ttl).
		WithAudit(audit.NewPGSink(pool, nil))
	if now != nil {
		s.Service.WithClock(now)
	}
	s.Sweeper = sweeper.New(s.Service, s.Offers, s.Enrollments, cfg)
	return s
}
