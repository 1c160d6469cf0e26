// Package actors drives the dispatch engine from many goroutines at once.
// Every actor tolerates domain refusals and infrastructure errors alike;
// correctness is judged by the oracles, not by actor return values.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"esdispatch/agent"
	"esdispatch/auth"
	"esdispatch/dispatch"
	"esdispatch/sweeper"
)

// Tally counts outcomes per operation, keyed "op/CODE".
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewTally() *Tally { return &Tally{counts: map[string]int{}} }

func (t *Tally) Add(op string, err error) {
	code := "OK"
	if err != nil {
		code = dispatch.CodeOf(err)
	}
	t.mu.Lock()
	t.counts[op+"/"+code]++
	t.mu.Unlock()
}

func (t *Tally) Get(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}

func (t *Tally) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, t.counts[k]))
	}
	return strings.Join(parts, " ")
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

// Creator files enrollments as an AS user.
func Creator(ctx context.Context, svc *dispatch.Service, requesterID string, tally *Tally, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		premise := fmt.Sprintf("premise-%d", rand.Intn(10000))
		_, err := svc.DispatchNew(ctx, premise, requesterID, time.Now().Add(24*time.Hour))
		tally.Add("create", err)
		time.Sleep(jitter(10, 30))
	}
	return nil
}

// Responder plays one ES: it answers its pending offers, mostly accepting,
// and completes enrollments assigned to it.
func Responder(ctx context.Context, pool *pgxpool.Pool, svc *dispatch.Service, esID string, tally *Tally, stop <-chan struct{}) error {
	actor := auth.Actor{UserID: esID, Role: auth.RoleES}
	for !stopped(ctx, stop) {
		if id, ok := pick(ctx, pool, `SELECT id::text FROM enrollment_offers WHERE es_id = $1::uuid AND status = 'PENDING'`, esID); ok {
			if rand.Intn(10) < 7 {
				_, err := svc.AcceptOffer(ctx, id, actor)
				tally.Add("accept", err)
			} else {
				_, err := svc.RejectOffer(ctx, id, actor)
				tally.Add("reject", err)
			}
		}
		if rand.Intn(2) == 0 {
			if id, ok := pick(ctx, pool, `SELECT id::text FROM enrollments WHERE assigned_es_id = $1::uuid AND status = 'ASSIGNED'`, esID); ok {
				_, err := svc.CompleteEnrollment(ctx, id, actor)
				tally.Add("complete", err)
			}
		}
		time.Sleep(jitter(5, 25))
	}
	return nil
}

// Overrider accepts or rejects random pending offers as ADMIN, racing the
// offer owners.
func Overrider(ctx context.Context, pool *pgxpool.Pool, svc *dispatch.Service, adminID string, tally *Tally, stop <-chan struct{}) error {
	actor := auth.Actor{UserID: adminID, Role: auth.RoleAdmin}
	for !stopped(ctx, stop) {
		if id, ok := pick(ctx, pool, `SELECT id::text FROM enrollment_offers WHERE status = 'PENDING' ORDER BY random() LIMIT 1`); ok {
			if rand.Intn(2) == 0 {
				_, err := svc.AcceptOffer(ctx, id, actor)
				tally.Add("admin-accept", err)
			} else {
				_, err := svc.RejectOffer(ctx, id, actor)
				tally.Add("admin-reject", err)
			}
		}
		time.Sleep(jitter(20, 40))
	}
	return nil
}

// Sweep runs expiry passes back to back.
func Sweep(ctx context.Context, sw *sweeper.Sweeper, tally *Tally, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := sw.SweepOnce(ctx)
		tally.Add("sweep", err)
		time.Sleep(jitter(30, 40))
	}
	return nil
}

// Reviver brings UNAVAILABLE agents back and occasionally benches one, the
// way an operator would.
func Reviver(ctx context.Context, pool *pgxpool.Pool, svc *dispatch.Service, adminID string, tally *Tally, stop <-chan struct{}) error {
	actor := auth.Actor{UserID: adminID, Role: auth.RoleAdmin}
	for !stopped(ctx, stop) {
		if id, ok := pick(ctx, pool, `SELECT id::text FROM users WHERE role = 'ES' AND status = 'UNAVAILABLE' ORDER BY random() LIMIT 1`); ok {
			_, err := svc.SetAgentStatus(ctx, id, agent.StatusAvailable, actor)
			tally.Add("revive", err)
		}
		if rand.Intn(10) == 0 {
			if id, ok := pick(ctx, pool, `SELECT id::text FROM users WHERE role = 'ES' AND status = 'AVAILABLE' ORDER BY random() LIMIT 1`); ok {
				_, err := svc.SetAgentStatus(ctx, id, agent.StatusUnavailable, actor)
				tally.Add("bench", err)
			}
		}
		time.Sleep(jitter(50, 100))
	}
	return nil
}

func pick(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (string, bool) {
	var id string
	if err := pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return "", false
	}
	return id, true
}
