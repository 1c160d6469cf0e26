// Package sweeper expires PENDING offers whose response window has closed
// and hands their enrollments back to the dispatcher.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"esdispatch/dispatch"
	"esdispatch/enrollment"
	"esdispatch/logger"
	"esdispatch/metrics"
	"esdispatch/offer"
)

// OfferLocker finds and locks offers due for expiry.
type OfferLocker interface {
	LockExpired(ctx context.Context, tx pgx.Tx, now, staleBefore time.Time, limit int) ([]offer.Offer, error)
}

// WaitingLister finds WAITING enrollments that have no open offer.
type WaitingLister interface {
	ListWaitingWithoutPending(ctx context.Context, tx pgx.Tx, limit int) ([]enrollment.Enrollment, error)
}

type Config struct {
	Interval time.Duration
	// StaleAfter, when positive, also expires offers this old even if
	// expires_at has not passed yet.
	StaleAfter time.Duration
	// RedispatchWaiting re-offers stranded WAITING enrollments each run.
	RedispatchWaiting bool
	BatchSize         int
}

const (
	DefaultInterval  = 15 * time.Second
	DefaultBatchSize = 100
)

// Report counts what one run did.
type Report struct {
	Expired int
	// Reoffered expiries found a new agent; Stranded ones did not and the
	// enrollment is WAITING with no offer.
	Reoffered int
	Stranded  int
	// Redispatched counts stranded enrollments picked up again.
	Redispatched int
	// Skipped offers were resolved by someone else before we got to them.
	Skipped  int
	Duration time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("expired=%d reoffered=%d stranded=%d redispatched=%d skipped=%d in %s",
		r.Expired, r.Reoffered, r.Stranded, r.Redispatched, r.Skipped, r.Duration)
}

// Sweeper runs expiry passes on a fixed interval, one transaction per pass.
type Sweeper struct {
	svc      *dispatch.Service
	offers   OfferLocker
	waiting  WaitingLister
	cfg      Config
	recorder metrics.Recorder
	log      logger.Logger
}

func New(svc *dispatch.Service, offers OfferLocker, waiting WaitingLister, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		svc:      svc,
		offers:   offers,
		waiting:  waiting,
		cfg:      cfg,
		recorder: metrics.Nop{},
		log:      logger.Nop{},
	}
}

func (s *Sweeper) WithRecorder(r metrics.Recorder) *Sweeper {
	if r != nil {
		s.recorder = r
	}
	return s
}

func (s *Sweeper) WithLogger(l logger.Logger) *Sweeper {
	if l != nil {
		s.log = l
	}
	return s
}

// Run sweeps every Interval until ctx is cancelled. A failed pass is logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.StaleAfter > 0 {
		s.log.Warnf("sweeper: stale_after=%s expires offers before their expires_at", s.cfg.StaleAfter)
	}
	s.log.Infof("sweeper: running every %s", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infof("sweeper: stopped")
			return nil
		case <-ticker.C:
			rep, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Errorf("sweeper: pass failed: %v", err)
				continue
			}
			if rep.Expired+rep.Redispatched > 0 {
				s.log.Infof("sweeper: %s", rep)
			}
		}
	}
}

// SweepOnce runs a single pass in one transaction.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var rep Report
	err := s.svc.InTx(ctx, "", func(ctx context.Context, u *dispatch.Unit) error {
		rep = Report{}
		if err := s.expire(ctx, u, &rep); err != nil {
			return err
		}
		if s.cfg.RedispatchWaiting {
			return s.redispatchWaiting(ctx, u, &rep)
		}
		return nil
	})
	rep.Duration = time.Since(start)

	s.recorder.SweepCompleted(metrics.SweepStats{
		Expired:      rep.Expired,
		Reoffered:    rep.Reoffered,
		Stranded:     rep.Stranded,
		Redispatched: rep.Redispatched,
		Skipped:      rep.Skipped,
		Duration:     rep.Duration,
		Failed:       err != nil,
	})
	if err != nil {
		return Report{Duration: rep.Duration}, err
	}
	return rep, nil
}

func (s *Sweeper) expire(ctx context.Context, u *dispatch.Unit, rep *Report) error {
	var staleBefore time.Time
	if s.cfg.StaleAfter > 0 {
		staleBefore = u.Now.Add(-s.cfg.StaleAfter)
	}
	due, err := s.offers.LockExpired(ctx, u.Tx, u.Now, staleBefore, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("sweeper: lock expired: %w", err)
	}

	// Expire every due offer first: an agent marked UNAVAILABLE by this pass
	// must not receive one of its re-offers.
	expired := make([]offer.Offer, 0, len(due))
	for _, o := range due {
		e, ok, err := s.svc.Lifecycle().ExpireOffer(ctx, u, o.ID)
		if err != nil {
			return err
		}
		if !ok {
			rep.Skipped++
			continue
		}
		rep.Expired++
		expired = append(expired, e)
	}

	for _, e := range expired {
		res, err := s.svc.Orchestrator().Dispatch(ctx, u, e.EnrollmentID, "", dispatch.TriggerExpiry)
		switch {
		case err == nil:
			rep.Reoffered++
			s.log.Debugw("sweeper: reoffered", map[string]any{
				"enrollment_id": e.EnrollmentID,
				"expired_offer": e.ID,
				"new_offer":     res.Offer.ID,
				"es_id":         res.Agent.ID,
			})
		case errors.Is(err, dispatch.ErrNoESAvailable):
			rep.Stranded++
		case dispatch.KindOf(err) == dispatch.KindConflict:
			s.log.Debugf("sweeper: enrollment %s not re-offered: %s", e.EnrollmentID, dispatch.CodeOf(err))
		default:
			return err
		}
	}
	return nil
}

func (s *Sweeper) redispatchWaiting(ctx context.Context, u *dispatch.Unit, rep *Report) error {
	stranded, err := s.waiting.ListWaitingWithoutPending(ctx, u.Tx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("sweeper: list waiting: %w", err)
	}
	for _, e := range stranded {
		_, err := s.svc.Orchestrator().Dispatch(ctx, u, e.ID, "", dispatch.TriggerRedispatch)
		switch {
		case err == nil:
			rep.Redispatched++
		case errors.Is(err, dispatch.ErrNoESAvailable):
			// Nobody is free for the rest either.
			return nil
		case dispatch.KindOf(err) == dispatch.KindConflict:
			continue
		default:
			return err
		}
	}
	return nil
}
