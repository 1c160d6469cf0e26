package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"esdispatch/audit"
)

// Unit is one transaction's worth of work. It carries the transaction, the
// clock reading every write in it uses, and side effects (audit entries and
// metrics) that are released only after commit.
type Unit struct {
	Tx  pgx.Tx
	Now time.Time
	// ActorID is stamped on audit entries that do not name their own actor.
	ActorID string

	entries []audit.Entry
	effects []func()
}

// NewUnit wraps an open transaction.
func NewUnit(tx pgx.Tx, now time.Time) *Unit {
	return &Unit{Tx: tx, Now: now}
}

// Audit queues an entry for after commit.
func (u *Unit) Audit(e audit.Entry) {
	if e.At.IsZero() {
		e.At = u.Now
	}
	if e.ActorUserID == "" {
		e.ActorUserID = u.ActorID
	}
	u.entries = append(u.entries, e)
}

// AfterCommit queues fn to run once the transaction has committed.
func (u *Unit) AfterCommit(fn func()) {
	u.effects = append(u.effects, fn)
}

// Entries returns the queued audit entries.
func (u *Unit) Entries() []audit.Entry {
	return u.entries
}

// savepoint runs fn inside a nested transaction. Side effects queued by fn
// survive only if the savepoint is released.
func (u *Unit) savepoint(ctx context.Context, fn func(child *Unit) error) error {
	sp, err := u.Tx.Begin(ctx)
	if err != nil {
		return wrapInternal("savepoint", err)
	}
	defer sp.Rollback(ctx)

	child := &Unit{Tx: sp, Now: u.Now, ActorID: u.ActorID}
	if err := fn(child); err != nil {
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return wrapInternal("release savepoint", err)
	}
	u.entries = append(u.entries, child.entries...)
	u.effects = append(u.effects, child.effects...)
	return nil
}

// release hands queued side effects to sink and runs the hooks.
func (u *Unit) release(ctx context.Context, sink audit.Sink) {
	if len(u.entries) > 0 {
		sink.Record(ctx, u.entries...)
	}
	for _, fn := range u.effects {
		fn()
	}
}
