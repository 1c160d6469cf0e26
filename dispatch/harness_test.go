package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"esdispatch/audit"
	"esdispatch/auth"
	"esdispatch/dispatch/dispatchtest"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

var errBoom = dispatchtest.ErrBoom

type harness struct {
	db   *dispatchtest.DB
	pool *dispatchtest.Pool
	svc  *Service
	sink *dispatchtest.Sink
	rec  *dispatchtest.Recorder
	now  time.Time
	ids  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{db: dispatchtest.NewDB(), sink: &dispatchtest.Sink{}, rec: dispatchtest.NewRecorder(), now: t0}
	h.pool = dispatchtest.NewPool(h.db)
	agents, enrollments, offers := h.db.Stores()
	h.svc = NewService(h.pool, agents, enrollments, offers).
		WithClock(func() time.Time { return h.now }).
		WithIDGenerator(func() string {
			h.ids++
			return fmt.Sprintf("id-%03d", h.ids)
		}).
		WithAudit(h.sink).
		WithRecorder(h.rec)
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) lastEntry(t *testing.T) audit.Entry {
	t.Helper()
	entries := h.sink.Entries()
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func ago(d time.Duration) *time.Time {
	t := t0.Add(-d)
	return &t
}

func es(id string) auth.Actor { return auth.Actor{UserID: id, Role: auth.RoleES} }

var admin = auth.Actor{UserID: "admin-1", Role: auth.RoleAdmin}
