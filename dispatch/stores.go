package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"esdispatch/agent"
	"esdispatch/enrollment"
	"esdispatch/offer"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AgentDirectory is the only writer of agent status and fairness stamps.
type AgentDirectory interface {
	FindFairestCandidate(ctx context.Context, tx pgx.Tx, status agent.Status, excluding string) (agent.Agent, bool, error)
	MarkAssigned(ctx context.Context, tx pgx.Tx, id string, at time.Time) (agent.Agent, error)
	MarkBusy(ctx context.Context, tx pgx.Tx, id string, at time.Time) (agent.Agent, error)
	MarkAvailable(ctx context.Context, tx pgx.Tx, id string, at time.Time) (agent.Agent, error)
	MarkUnavailable(ctx context.Context, tx pgx.Tx, id string, at time.Time) (agent.Agent, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status agent.Status, at time.Time) (agent.Agent, agent.Agent, error)
}

type EnrollmentStore interface {
	Create(ctx context.Context, tx pgx.Tx, e enrollment.Enrollment) (enrollment.Enrollment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (enrollment.Enrollment, error)
	MarkAssigned(ctx context.Context, tx pgx.Tx, id, esID string, at time.Time) (enrollment.Enrollment, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) (enrollment.Enrollment, error)
}

type OfferStore interface {
	Create(ctx context.Context, tx pgx.Tx, o offer.Offer) (offer.Offer, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (offer.Offer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (offer.Offer, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, to offer.Status, at time.Time) (offer.Offer, bool, error)
	ExpireOthers(ctx context.Context, tx pgx.Tx, enrollmentID, keepID string, at time.Time) ([]offer.Offer, error)
	HasPending(ctx context.Context, tx pgx.Tx, enrollmentID string) (bool, error)
}
