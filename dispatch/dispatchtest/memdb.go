// Package dispatchtest provides in-memory stores and a snapshotting
// transaction fake for exercising the dispatch engine without Postgres.
// It is not safe for concurrent use.
package dispatchtest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"esdispatch/agent"
	"esdispatch/enrollment"
	"esdispatch/offer"
)

// ErrBoom is a stand-in infrastructure failure.
var ErrBoom = errors.New("boom")

// State is the whole fake database.
type State struct {
	Agents      map[string]agent.Agent
	Enrollments map[string]enrollment.Enrollment
	Offers      map[string]offer.Offer
}

func (s State) Clone() State {
	c := State{
		Agents:      make(map[string]agent.Agent, len(s.Agents)),
		Enrollments: make(map[string]enrollment.Enrollment, len(s.Enrollments)),
		Offers:      make(map[string]offer.Offer, len(s.Offers)),
	}
	for k, v := range s.Agents {
		c.Agents[k] = v
	}
	for k, v := range s.Enrollments {
		c.Enrollments[k] = v
	}
	for k, v := range s.Offers {
		c.Offers[k] = v
	}
	return c
}

// DB holds the state. Transactions snapshot it on begin and restore the
// snapshot on rollback.
type DB struct {
	State State
	// Fail makes the named operation return the error once. Names: "find",
	// "busy", "create enrollment", "create offer", "lock expired",
	// "list waiting".
	Fail map[string]error
}

func NewDB() *DB {
	return &DB{
		State: State{
			Agents:      map[string]agent.Agent{},
			Enrollments: map[string]enrollment.Enrollment{},
			Offers:      map[string]offer.Offer{},
		},
		Fail: map[string]error{},
	}
}

func (db *DB) injected(op string) error {
	if err, ok := db.Fail[op]; ok {
		delete(db.Fail, op)
		return err
	}
	return nil
}

func (db *DB) AddAgent(id string, status agent.Status, lastAssigned *time.Time) {
	db.State.Agents[id] = agent.Agent{ID: id, Name: id, Status: status, LastAssignedAt: lastAssigned}
}

func (db *DB) Agent(id string) agent.Agent                { return db.State.Agents[id] }
func (db *DB) Enrollment(id string) enrollment.Enrollment { return db.State.Enrollments[id] }
func (db *DB) Offer(id string) offer.Offer                { return db.State.Offers[id] }

// OffersFor returns the enrollment's offers ordered by id.
func (db *DB) OffersFor(enrollmentID string) []offer.Offer {
	var out []offer.Offer
	for _, o := range db.State.Offers {
		if o.EnrollmentID == enrollmentID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *DB) PendingFor(enrollmentID string) []offer.Offer {
	var out []offer.Offer
	for _, o := range db.OffersFor(enrollmentID) {
		if o.Status == offer.StatusPending {
			out = append(out, o)
		}
	}
	return out
}

// Stores returns the three store views over db.
func (db *DB) Stores() (*Agents, *Enrollments, *Offers) {
	return &Agents{db}, &Enrollments{db}, &Offers{db}
}

type Agents struct{ db *DB }

func (m *Agents) FindFairestCandidate(_ context.Context, _ pgx.Tx, status agent.Status, excluding string) (agent.Agent, bool, error) {
	if err := m.db.injected("find"); err != nil {
		return agent.Agent{}, false, err
	}
	var candidates []agent.Agent
	for _, a := range m.db.State.Agents {
		if a.Status == status && a.ID != excluding {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return agent.Agent{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
			return true
		case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
			return false
		case a.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
			return a.LastAssignedAt.Before(*b.LastAssignedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0], true, nil
}

func (m *Agents) write(id string, at time.Time, fn func(*agent.Agent)) (agent.Agent, error) {
	a, ok := m.db.State.Agents[id]
	if !ok {
		return agent.Agent{}, agent.ErrNotFound
	}
	fn(&a)
	a.UpdatedAt = at
	m.db.State.Agents[id] = a
	return a, nil
}

func (m *Agents) MarkAssigned(_ context.Context, _ pgx.Tx, id string, at time.Time) (agent.Agent, error) {
	return m.write(id, at, func(a *agent.Agent) { a.LastAssignedAt = &at })
}

func (m *Agents) MarkBusy(_ context.Context, _ pgx.Tx, id string, at time.Time) (agent.Agent, error) {
	if err := m.db.injected("busy"); err != nil {
		return agent.Agent{}, err
	}
	return m.write(id, at, func(a *agent.Agent) {
		a.Status = agent.StatusBusy
		a.LastAssignedAt = &at
	})
}

func (m *Agents) MarkAvailable(_ context.Context, _ pgx.Tx, id string, at time.Time) (agent.Agent, error) {
	return m.write(id, at, func(a *agent.Agent) { a.Status = agent.StatusAvailable })
}

func (m *Agents) MarkUnavailable(_ context.Context, _ pgx.Tx, id string, at time.Time) (agent.Agent, error) {
	return m.write(id, at, func(a *agent.Agent) { a.Status = agent.StatusUnavailable })
}

func (m *Agents) SetStatus(_ context.Context, _ pgx.Tx, id string, status agent.Status, at time.Time) (agent.Agent, agent.Agent, error) {
	before, ok := m.db.State.Agents[id]
	if !ok {
		return agent.Agent{}, agent.Agent{}, agent.ErrNotFound
	}
	after, err := m.write(id, at, func(a *agent.Agent) { a.Status = status })
	return before, after, err
}

type Enrollments struct{ db *DB }

func (m *Enrollments) Create(_ context.Context, _ pgx.Tx, e enrollment.Enrollment) (enrollment.Enrollment, error) {
	if err := m.db.injected("create enrollment"); err != nil {
		return enrollment.Enrollment{}, err
	}
	e.Status = enrollment.StatusWaiting
	e.UpdatedAt = e.CreatedAt
	m.db.State.Enrollments[e.ID] = e
	return e, nil
}

func (m *Enrollments) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (enrollment.Enrollment, error) {
	e, ok := m.db.State.Enrollments[id]
	if !ok {
		return enrollment.Enrollment{}, enrollment.ErrNotFound
	}
	return e, nil
}

func (m *Enrollments) MarkAssigned(_ context.Context, _ pgx.Tx, id, esID string, at time.Time) (enrollment.Enrollment, error) {
	e, ok := m.db.State.Enrollments[id]
	if !ok || e.Status != enrollment.StatusWaiting {
		return enrollment.Enrollment{}, enrollment.ErrStaleStatus
	}
	e.Status = enrollment.StatusAssigned
	e.AssignedESID = &esID
	e.UpdatedAt = at
	m.db.State.Enrollments[id] = e
	return e, nil
}

func (m *Enrollments) MarkCompleted(_ context.Context, _ pgx.Tx, id string, at time.Time) (enrollment.Enrollment, error) {
	e, ok := m.db.State.Enrollments[id]
	if !ok || e.Status != enrollment.StatusAssigned {
		return enrollment.Enrollment{}, enrollment.ErrStaleStatus
	}
	e.Status = enrollment.StatusCompleted
	e.UpdatedAt = at
	m.db.State.Enrollments[id] = e
	return e, nil
}

// ListWaitingWithoutPending returns WAITING enrollments with no open offer,
// oldest first.
func (m *Enrollments) ListWaitingWithoutPending(_ context.Context, _ pgx.Tx, limit int) ([]enrollment.Enrollment, error) {
	if err := m.db.injected("list waiting"); err != nil {
		return nil, err
	}
	var out []enrollment.Enrollment
	for _, e := range m.db.State.Enrollments {
		if e.Status == enrollment.StatusWaiting && len(m.db.PendingFor(e.ID)) == 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type Offers struct{ db *DB }

func (m *Offers) Create(_ context.Context, _ pgx.Tx, o offer.Offer) (offer.Offer, error) {
	if err := m.db.injected("create offer"); err != nil {
		return offer.Offer{}, err
	}
	if len(m.db.PendingFor(o.EnrollmentID)) > 0 {
		return offer.Offer{}, offer.ErrPendingExists
	}
	o.Status = offer.StatusPending
	m.db.State.Offers[o.ID] = o
	return o, nil
}

func (m *Offers) Get(_ context.Context, _ pgx.Tx, id string) (offer.Offer, error) {
	o, ok := m.db.State.Offers[id]
	if !ok {
		return offer.Offer{}, offer.ErrNotFound
	}
	return o, nil
}

func (m *Offers) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (offer.Offer, error) {
	return m.Get(ctx, tx, id)
}

func (m *Offers) Transition(_ context.Context, _ pgx.Tx, id string, to offer.Status, at time.Time) (offer.Offer, bool, error) {
	o, ok := m.db.State.Offers[id]
	if !ok || o.Status != offer.StatusPending {
		return offer.Offer{}, false, nil
	}
	o.Status = to
	o.RespondedAt = &at
	m.db.State.Offers[id] = o
	return o, true, nil
}

func (m *Offers) ExpireOthers(_ context.Context, _ pgx.Tx, enrollmentID, keepID string, at time.Time) ([]offer.Offer, error) {
	var out []offer.Offer
	for _, o := range m.db.PendingFor(enrollmentID) {
		if o.ID == keepID {
			continue
		}
		o.Status = offer.StatusExpired
		o.RespondedAt = &at
		m.db.State.Offers[o.ID] = o
		out = append(out, o)
	}
	return out, nil
}

func (m *Offers) HasPending(_ context.Context, _ pgx.Tx, enrollmentID string) (bool, error) {
	return len(m.db.PendingFor(enrollmentID)) > 0, nil
}

// LockExpired mirrors the SQL predicate: PENDING and past expires_at, or
// offered before staleBefore when that is set.
func (m *Offers) LockExpired(_ context.Context, _ pgx.Tx, now, staleBefore time.Time, limit int) ([]offer.Offer, error) {
	if err := m.db.injected("lock expired"); err != nil {
		return nil, err
	}
	var out []offer.Offer
	for _, o := range m.db.State.Offers {
		if o.Status != offer.StatusPending {
			continue
		}
		stale := !staleBefore.IsZero() && !o.OfferedAt.After(staleBefore)
		if o.Expired(now) || stale {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Pool hands out snapshotting transactions over a DB.
type Pool struct {
	DB       *DB
	Txs      []*Tx
	BeginErr error
}

func NewPool(db *DB) *Pool { return &Pool{DB: db} }

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := NewTx(p.DB)
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

// Last returns the most recent top-level transaction.
func (p *Pool) Last() *Tx {
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// Tx implements pgx.Tx. Nested Begin creates a savepoint.
type Tx struct {
	db         *DB
	snapshot   State
	Committed  bool
	RolledBack bool
	Savepoints int
}

func NewTx(db *DB) *Tx {
	return &Tx{db: db, snapshot: db.State.Clone()}
}

func (f *Tx) Begin(context.Context) (pgx.Tx, error) {
	f.Savepoints++
	return NewTx(f.db), nil
}

func (f *Tx) Commit(context.Context) error {
	if f.Committed || f.RolledBack {
		return pgx.ErrTxClosed
	}
	f.Committed = true
	return nil
}

func (f *Tx) Rollback(context.Context) error {
	if f.Committed || f.RolledBack {
		return pgx.ErrTxClosed
	}
	f.RolledBack = true
	f.db.State = f.snapshot
	return nil
}

func (f *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *Tx) Conn() *pgx.Conn {
	return nil
}
