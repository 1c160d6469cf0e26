package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esdispatch/db"
)

// ErrNotFound signals the agent does not exist or is not an ES.
var ErrNotFound = errors.New("agent: not found")

// PGRepository reads and writes ES rows in the users table. Methods taking
// a pgx.Tx participate in the caller's transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id::text, name, COALESCE(email, ''), status, last_assigned_at, updated_at`

// FindFairestCandidate returns the ES in the given status that was assigned
// least recently. Never-assigned agents come first; equal stamps fall back
// to the lowest id. excluding may be empty.
func (r *PGRepository) FindFairestCandidate(ctx context.Context, tx pgx.Tx, status Status, excluding string) (Agent, bool, error) {
	const query = `
		SELECT ` + columns + `
		FROM users
		WHERE role = 'ES'
		  AND status = $1
		  AND ($2::uuid IS NULL OR id <> $2::uuid)
		ORDER BY last_assigned_at ASC NULLS FIRST, id ASC
		LIMIT 1
	`

	var skip any
	if key, ok := db.ParseID(excluding); ok {
		skip = key
	}
	a, err := scanAgent(tx.QueryRow(ctx, query, string(status), skip))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, false, nil
		}
		return Agent{}, false, fmt.Errorf("agent: find fairest %s: %w", status, err)
	}
	return a, true, nil
}

// MarkAssigned stamps the fairness timestamp without touching status.
func (r *PGRepository) MarkAssigned(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Agent, error) {
	const query = `
		UPDATE users SET last_assigned_at = $2, updated_at = $2
		WHERE id = $1::uuid AND role = 'ES'
		RETURNING ` + columns
	return r.update(ctx, tx, "mark assigned", query, id, at)
}

// MarkBusy sets BUSY and stamps fairness, as on offer acceptance.
func (r *PGRepository) MarkBusy(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Agent, error) {
	const query = `
		UPDATE users SET status = 'BUSY', last_assigned_at = $2, updated_at = $2
		WHERE id = $1::uuid AND role = 'ES'
		RETURNING ` + columns
	return r.update(ctx, tx, "mark busy", query, id, at)
}

func (r *PGRepository) MarkAvailable(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Agent, error) {
	return r.setStatus(ctx, tx, id, StatusAvailable, at)
}

func (r *PGRepository) MarkUnavailable(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Agent, error) {
	return r.setStatus(ctx, tx, id, StatusUnavailable, at)
}

// SetStatus is the operator override. It locks the row to return the prior
// state alongside the new one.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, at time.Time) (Agent, Agent, error) {
	const lock = `SELECT ` + columns + ` FROM users WHERE id = $1::uuid AND role = 'ES' FOR UPDATE`

	key, ok := db.ParseID(id)
	if !ok {
		return Agent{}, Agent{}, ErrNotFound
	}
	before, err := scanAgent(tx.QueryRow(ctx, lock, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, Agent{}, ErrNotFound
		}
		return Agent{}, Agent{}, fmt.Errorf("agent: lock for status: %w", err)
	}
	after, err := r.setStatus(ctx, tx, id, status, at)
	if err != nil {
		return Agent{}, Agent{}, err
	}
	return before, after, nil
}

func (r *PGRepository) setStatus(ctx context.Context, tx pgx.Tx, id string, status Status, at time.Time) (Agent, error) {
	if !status.Valid() {
		return Agent{}, fmt.Errorf("agent: refusing to write status %q", status)
	}
	const query = `
		UPDATE users SET status = $3, updated_at = $2
		WHERE id = $1::uuid AND role = 'ES'
		RETURNING ` + columns
	return r.update(ctx, tx, "set status "+string(status), query, id, at, string(status))
}

// update runs a single-row write; the first argument is the agent id.
func (r *PGRepository) update(ctx context.Context, tx pgx.Tx, op, query, id string, args ...any) (Agent, error) {
	key, ok := db.ParseID(id)
	if !ok {
		return Agent{}, ErrNotFound
	}
	a, err := scanAgent(tx.QueryRow(ctx, query, append([]any{key}, args...)...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: %s: %w", op, err)
	}
	return a, nil
}

// GetByID fetches an ES outside any transaction.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Agent, error) {
	const query = `SELECT ` + columns + ` FROM users WHERE id = $1::uuid AND role = 'ES'`

	key, ok := db.ParseID(id)
	if !ok {
		return Agent{}, ErrNotFound
	}
	a, err := scanAgent(r.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: query by id: %w", err)
	}
	return a, nil
}

// List returns agents in fairness order, optionally filtered by status.
func (r *PGRepository) List(ctx context.Context, filter Filter) ([]Agent, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 100
	}

	const query = `
		SELECT ` + columns + `
		FROM users
		WHERE role = 'ES' AND ($1 = '' OR status = $1)
		ORDER BY last_assigned_at ASC NULLS FIRST, id ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	defer rows.Close()

	agents := make([]Agent, 0, filter.Limit)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("agent: scan: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent: iterate: %w", err)
	}
	return agents, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var (
		a      Agent
		status string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &status, &a.LastAssignedAt, &a.UpdatedAt); err != nil {
		return Agent{}, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Agent{}, err
	}
	a.Status = st
	return a, nil
}
