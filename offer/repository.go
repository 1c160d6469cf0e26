package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"esdispatch/db"
)

var (
	ErrNotFound = errors.New("offer: not found")
	// ErrPendingExists signals the enrollment already has an open offer.
	ErrPendingExists = errors.New("offer: enrollment already has a pending offer")
)

const pendingIndex = "uq_offers_one_pending"

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id::text, enrollment_id::text, es_id::text, tier, status, offered_at, expires_at, responded_at`

// Create inserts a PENDING offer.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	const query = `
		INSERT INTO enrollment_offers (id, enrollment_id, es_id, tier, status, offered_at, expires_at)
		VALUES ($1, $2::uuid, $3::uuid, $4, 'PENDING', $5, $6)
		RETURNING ` + columns

	created, err := scanOffer(tx.QueryRow(ctx, query, o.ID, o.EnrollmentID, o.ESID, string(o.Tier), o.OfferedAt, o.ExpiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == pendingIndex {
			return Offer{}, ErrPendingExists
		}
		return Offer{}, fmt.Errorf("offer: create: %w", err)
	}
	return created, nil
}

// Get reads an offer inside tx without locking it.
func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	key, ok := db.ParseID(id)
	if !ok {
		return Offer{}, ErrNotFound
	}
	const query = `SELECT ` + columns + ` FROM enrollment_offers WHERE id = $1::uuid`
	return get(tx.QueryRow(ctx, query, key), "get")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	key, ok := db.ParseID(id)
	if !ok {
		return Offer{}, ErrNotFound
	}
	const query = `SELECT ` + columns + ` FROM enrollment_offers WHERE id = $1::uuid FOR UPDATE`
	return get(tx.QueryRow(ctx, query, key), "get for update")
}

// Find reads an offer outside any transaction.
func (r *PGRepository) Find(ctx context.Context, id string) (Offer, error) {
	key, ok := db.ParseID(id)
	if !ok {
		return Offer{}, ErrNotFound
	}
	const query = `SELECT ` + columns + ` FROM enrollment_offers WHERE id = $1::uuid`
	return get(r.pool.QueryRow(ctx, query, key), "find")
}

func get(row pgx.Row, op string) (Offer, error) {
	o, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: %s: %w", op, err)
	}
	return o, nil
}

// Transition moves a PENDING offer to a terminal status. It reports false,
// without error, when the offer was no longer PENDING: another transaction
// got there first.
func (r *PGRepository) Transition(ctx context.Context, tx pgx.Tx, id string, to Status, at time.Time) (Offer, bool, error) {
	if !StatusPending.CanTransitionTo(to) {
		return Offer{}, false, fmt.Errorf("offer: invalid transition to %q", to)
	}
	key, ok := db.ParseID(id)
	if !ok {
		return Offer{}, false, ErrNotFound
	}
	const query = `
		UPDATE enrollment_offers SET status = $2, responded_at = $3
		WHERE id = $1::uuid AND status = 'PENDING'
		RETURNING ` + columns

	o, err := scanOffer(tx.QueryRow(ctx, query, key, string(to), at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, false, nil
		}
		return Offer{}, false, fmt.Errorf("offer: transition to %s: %w", to, err)
	}
	return o, true, nil
}

// ExpireOthers expires every PENDING offer of the enrollment except keepID.
func (r *PGRepository) ExpireOthers(ctx context.Context, tx pgx.Tx, enrollmentID, keepID string, at time.Time) ([]Offer, error) {
	enrKey, ok := db.ParseID(enrollmentID)
	if !ok {
		return nil, nil
	}
	keep, ok := db.ParseID(keepID)
	if !ok {
		return nil, fmt.Errorf("offer: expire others: malformed keep id %q", keepID)
	}
	const query = `
		UPDATE enrollment_offers SET status = 'EXPIRED', responded_at = $3
		WHERE enrollment_id = $1::uuid AND id <> $2::uuid AND status = 'PENDING'
		RETURNING ` + columns

	rows, err := tx.Query(ctx, query, enrKey, keep, at)
	if err != nil {
		return nil, fmt.Errorf("offer: expire others: %w", err)
	}
	return collect(rows, "expire others")
}

// HasPending reports whether the enrollment has an open offer.
func (r *PGRepository) HasPending(ctx context.Context, tx pgx.Tx, enrollmentID string) (bool, error) {
	key, ok := db.ParseID(enrollmentID)
	if !ok {
		return false, nil
	}
	const query = `SELECT EXISTS (SELECT 1 FROM enrollment_offers WHERE enrollment_id = $1::uuid AND status = 'PENDING')`
	var exists bool
	if err := tx.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("offer: has pending: %w", err)
	}
	return exists, nil
}

// LockExpired locks up to limit PENDING offers whose window closed at now,
// or, when staleBefore is non-zero, that were offered before it. Offers
// locked by a concurrent transaction are skipped.
func (r *PGRepository) LockExpired(ctx context.Context, tx pgx.Tx, now, staleBefore time.Time, limit int) ([]Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	var stale *time.Time
	if !staleBefore.IsZero() {
		stale = &staleBefore
	}
	const query = `
		SELECT ` + columns + `
		FROM enrollment_offers
		WHERE status = 'PENDING'
		  AND (expires_at <= $1 OR ($2::timestamptz IS NOT NULL AND offered_at <= $2::timestamptz))
		ORDER BY expires_at ASC, id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, now, stale, limit)
	if err != nil {
		return nil, fmt.Errorf("offer: lock expired: %w", err)
	}
	return collect(rows, "lock expired")
}

func collect(rows pgx.Rows, op string) ([]Offer, error) {
	defer rows.Close()
	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: %s: scan: %w", op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: %s: %w", op, err)
	}
	return out, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var (
		o            Offer
		tier, status string
	)
	err := row.Scan(&o.ID, &o.EnrollmentID, &o.ESID, &tier, &status, &o.OfferedAt, &o.ExpiresAt, &o.RespondedAt)
	if err != nil {
		return Offer{}, err
	}
	if o.Tier, err = ParseTier(tier); err != nil {
		return Offer{}, err
	}
	if o.Status, err = ParseStatus(status); err != nil {
		return Offer{}, err
	}
	return o, nil
}
