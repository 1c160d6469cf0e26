package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"esdispatch/agent"
	"esdispatch/sweeper"
	"esdispatch/test/actors"
	"esdispatch/test/chaos"
	"esdispatch/test/infra"
	"esdispatch/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of ES agents racing for offers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flChaos       = flag.Bool("chaos", true, "terminate random actor backends")
)

const actorApp = "esd-stress-actor"

func TestDispatchConcurrency(t *testing.T) {
	h := requireHarness(t)
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	seeded := mustSeed(t, ctx, h, *flConcurrency)

	actorPool, err := h.OpenPool(ctx, actorApp, 32)
	if err != nil {
		t.Fatalf("open actor pool: %v", err)
	}
	defer actorPool.Close()

	stack := infra.NewStack(actorPool, nil, 300*time.Millisecond, sweeper.Config{
		Interval:          time.Second,
		BatchSize:         50,
		RedispatchWaiting: true,
	})
	tally := actors.NewTally()

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for _, as := range seeded.requesters {
		g.Go(func() error { return actors.Creator(ctx2, stack.Service, as, tally, stop) })
	}
	for _, es := range seeded.agents {
		g.Go(func() error { return actors.Responder(ctx2, h.Pool(), stack.Service, es, tally, stop) })
	}
	g.Go(func() error { return actors.Overrider(ctx2, h.Pool(), stack.Service, seeded.admin, tally, stop) })
	g.Go(func() error { return actors.Sweep(ctx2, stack.Sweeper, tally, stop) })
	g.Go(func() error { return actors.Reviver(ctx2, h.Pool(), stack.Service, seeded.admin, tally, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, h.Pool(), actorApp, 2*time.Second, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx, h.Pool())
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				close(stop)
				dumpRecent(t, ctx, h.Pool())
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		t.Fatalf("actors errored: %v", err)
	}

	name, row, err := oracles.Run(context.Background(), h.Pool())
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), h.Pool())
		t.Fatalf("Oracle %s failed after shutdown. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("seed=%d %s", seed, tally)
	if tally.Get("create/OK")+tally.Get("create/NO_ES_AVAILABLE") == 0 {
		t.Fatalf("no enrollment was ever created")
	}
}

type seedIDs struct {
	agents     []string
	requesters []string
	admin      string
}

func mustSeed(t *testing.T, ctx context.Context, h *infra.Harness, agents int) seedIDs {
	t.Helper()
	var s seedIDs
	for i := 0; i < agents; i++ {
		id := uuid.NewString()
		if err := h.AddUser(ctx, id, fmt.Sprintf("ES %d", i), "ES", agent.StatusAvailable, nil); err != nil {
			t.Fatalf("seed agent: %v", err)
		}
		s.agents = append(s.agents, id)
	}
	for i := 0; i < 2; i++ {
		id := uuid.NewString()
		if err := h.AddUser(ctx, id, fmt.Sprintf("AS %d", i), "AS", agent.StatusAvailable, nil); err != nil {
			t.Fatalf("seed requester: %v", err)
		}
		s.requesters = append(s.requesters, id)
	}
	s.admin = uuid.NewString()
	if err := h.AddUser(ctx, s.admin, "Admin", "ADMIN", agent.StatusAvailable, nil); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"enrollments", `SELECT id, status, assigned_es_id, updated_at FROM enrollments ORDER BY updated_at DESC LIMIT 30`},
		{"enrollment_offers", `SELECT id, enrollment_id, es_id, tier, status, offered_at, responded_at FROM enrollment_offers ORDER BY offered_at DESC LIMIT 50`},
		{"users", `SELECT id, role, status, last_assigned_at FROM users ORDER BY id`},
		{"audit_log", `SELECT id, action, entity_type, entity_id, created_at FROM audit_log ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
