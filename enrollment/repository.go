package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esdispatch/db"
)

var (
	ErrNotFound = errors.New("enrollment: not found")
	// ErrStaleStatus signals a conditional transition found the row in a
	// different status than required.
	ErrStaleStatus = errors.New("enrollment: status changed concurrently")
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id::text, premise_id, requested_by, timeslot, status, assigned_es_id::text, created_at, updated_at`

// Create inserts a WAITING enrollment.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, e Enrollment) (Enrollment, error) {
	const query = `
		INSERT INTO enrollments (id, premise_id, requested_by, timeslot, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'WAITING', $5, $5)
		RETURNING ` + columns

	created, err := scanEnrollment(tx.QueryRow(ctx, query, e.ID, e.PremiseID, e.RequestedBy, e.Timeslot, e.CreatedAt))
	if err != nil {
		return Enrollment{}, fmt.Errorf("enrollment: create: %w", err)
	}
	return created, nil
}

// Get reads an enrollment outside any transaction.
func (r *PGRepository) Get(ctx context.Context, id string) (Enrollment, error) {
	key, ok := db.ParseID(id)
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	const query = `SELECT ` + columns + ` FROM enrollments WHERE id = $1::uuid`
	return r.get(ctx, r.pool.QueryRow(ctx, query, key), "get")
}

// GetForUpdate locks the row for the rest of tx.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Enrollment, error) {
	key, ok := db.ParseID(id)
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	const query = `SELECT ` + columns + ` FROM enrollments WHERE id = $1::uuid FOR UPDATE`
	return r.get(ctx, tx.QueryRow(ctx, query, key), "get for update")
}

func (r *PGRepository) get(_ context.Context, row pgx.Row, op string) (Enrollment, error) {
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("enrollment: %s: %w", op, err)
	}
	return e, nil
}

// MarkAssigned moves a WAITING enrollment to ASSIGNED.
func (r *PGRepository) MarkAssigned(ctx context.Context, tx pgx.Tx, id, esID string, at time.Time) (Enrollment, error) {
	return r.transition(ctx, tx, id, StatusWaiting, StatusAssigned, esID, at)
}

// MarkCompleted moves an ASSIGNED enrollment to COMPLETED, keeping the
// assignee.
func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Enrollment, error) {
	return r.transition(ctx, tx, id, StatusAssigned, StatusCompleted, "", at)
}

// transition is a conditional update from one status to the next. esID sets
// the assignee and is required when the move gives the enrollment its
// first one.
func (r *PGRepository) transition(ctx context.Context, tx pgx.Tx, id string, from, to Status, esID string, at time.Time) (Enrollment, error) {
	if !from.CanTransitionTo(to) {
		return Enrollment{}, fmt.Errorf("enrollment: invalid transition %s -> %s", from, to)
	}
	key, ok := db.ParseID(id)
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	var assignee any
	if to.HasAssignee() && !from.HasAssignee() {
		es, ok := db.ParseID(esID)
		if !ok {
			return Enrollment{}, fmt.Errorf("enrollment: %s requires an assignee, got %q", to, esID)
		}
		assignee = es
	}

	const query = `
		UPDATE enrollments
		SET status = $2, assigned_es_id = COALESCE($3::uuid, assigned_es_id), updated_at = $4
		WHERE id = $1::uuid AND status = $5
		RETURNING ` + columns

	e, err := scanEnrollment(tx.QueryRow(ctx, query, key, string(to), assignee, at, string(from)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrStaleStatus
		}
		return Enrollment{}, fmt.Errorf("enrollment: %s -> %s: %w", from, to, err)
	}
	return e, nil
}

// ListWaitingWithoutPending locks up to limit WAITING enrollments that have
// no open offer, oldest first. Rows locked by other transactions are skipped.
func (r *PGRepository) ListWaitingWithoutPending(ctx context.Context, tx pgx.Tx, limit int) ([]Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT e.id::text, e.premise_id, e.requested_by, e.timeslot, e.status, e.assigned_es_id::text, e.created_at, e.updated_at
		FROM enrollments e
		WHERE e.status = 'WAITING'
		  AND NOT EXISTS (
		      SELECT 1 FROM enrollment_offers o
		      WHERE o.enrollment_id = e.id AND o.status = 'PENDING'
		  )
		ORDER BY e.created_at ASC, e.id ASC
		LIMIT $1
		FOR UPDATE OF e SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("enrollment: list waiting: %w", err)
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("enrollment: scan waiting: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrollment: iterate waiting: %w", err)
	}
	return out, nil
}

func scanEnrollment(row pgx.Row) (Enrollment, error) {
	var (
		e      Enrollment
		status string
	)
	err := row.Scan(&e.ID, &e.PremiseID, &e.RequestedBy, &e.Timeslot, &status, &e.AssignedESID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Enrollment{}, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Enrollment{}, err
	}
	e.Status = st
	return e, nil
}
