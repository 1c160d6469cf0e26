package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"esdispatch/agent"
	"esdispatch/audit"
	"esdispatch/auth"
	"esdispatch/enrollment"
	"esdispatch/logger"
	"esdispatch/metrics"
)

// Service runs each external command in its own transaction and releases
// audit entries and metrics after commit.
type Service struct {
	pool         TxBeginner
	e            *engine
	selector     *Selector
	lifecycle    *Lifecycle
	orchestrator *Orchestrator
	sink         audit.Sink
	now          func() time.Time
}

func NewService(pool TxBeginner, agents AgentDirectory, enrollments EnrollmentStore, offers OfferStore) *Service {
	e := &engine{
		agents:      agents,
		enrollments: enrollments,
		offers:      offers,
		offerTTL:    DefaultOfferTTL,
		idGenerator: func() string { return uuid.NewString() },
		recorder:    metrics.Nop{},
		log:         logger.Nop{},
	}
	sel := &Selector{e: e}
	life := &Lifecycle{e: e}
	orch := &Orchestrator{e: e, selector: sel, lifecycle: life}
	life.orch = orch

	return &Service{
		pool:         pool,
		e:            e,
		selector:     sel,
		lifecycle:    life,
		orchestrator: orch,
		sink:         audit.Nop{},
		now:          time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.e.idGenerator = gen
	return s
}

func (s *Service) WithOfferTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.e.offerTTL = ttl
	}
	return s
}

func (s *Service) WithAudit(sink audit.Sink) *Service {
	if sink != nil {
		s.sink = sink
	}
	return s
}

func (s *Service) WithRecorder(r metrics.Recorder) *Service {
	if r != nil {
		s.e.recorder = r
	}
	return s
}

func (s *Service) WithLogger(l logger.Logger) *Service {
	if l != nil {
		s.e.log = l
	}
	return s
}

func (s *Service) Selector() *Selector         { return s.selector }
func (s *Service) Lifecycle() *Lifecycle       { return s.lifecycle }
func (s *Service) Orchestrator() *Orchestrator { return s.orchestrator }

// InTx runs fn in a new transaction. The transaction commits only when fn
// returns nil; queued side effects are released after the commit.
func (s *Service) InTx(ctx context.Context, actorID string, fn func(ctx context.Context, u *Unit) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapInternal("begin tx", err)
	}
	defer tx.Rollback(ctx)

	u := NewUnit(tx, s.now())
	u.ActorID = actorID
	if err := fn(ctx, u); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapInternal("commit", err)
	}
	u.release(ctx, s.sink)
	return nil
}

// inTxKeeping is InTx for commands whose exhausted outcome still commits:
// fn's KindExhausted error is returned after a successful commit.
func (s *Service) inTxKeeping(ctx context.Context, op, actorID string, fn func(ctx context.Context, u *Unit) error) error {
	var outcome error
	err := s.InTx(ctx, actorID, func(ctx context.Context, u *Unit) error {
		outcome = fn(ctx, u)
		if outcome != nil && KindOf(outcome) == KindExhausted {
			return nil
		}
		return outcome
	})
	if err != nil {
		s.logFailure(op, err)
		return err
	}
	return outcome
}

func (s *Service) logFailure(op string, err error) {
	switch KindOf(err) {
	case KindInternal:
		s.e.log.Errorf("dispatch: %s: %v", op, err)
	default:
		s.e.log.Debugf("dispatch: %s: %s", op, CodeOf(err))
	}
}

// DispatchNew creates an enrollment and offers it to the fairest agent.
// With no agent available the enrollment is still persisted and returned
// together with ErrNoESAvailable.
func (s *Service) DispatchNew(ctx context.Context, premiseID, requesterID string, timeslot time.Time) (NewEnrollmentResult, error) {
	var res NewEnrollmentResult
	err := s.inTxKeeping(ctx, "dispatch new", requesterID, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = s.orchestrator.DispatchNew(ctx, u, NewEnrollment{
			PremiseID:   premiseID,
			RequestedBy: requesterID,
			Timeslot:    timeslot,
		})
		return err
	})
	if err != nil && KindOf(err) != KindExhausted {
		return NewEnrollmentResult{}, err
	}
	return res, err
}

// AcceptOffer accepts a PENDING offer on behalf of actor.
func (s *Service) AcceptOffer(ctx context.Context, offerID string, actor auth.Actor) (AcceptResult, error) {
	var res AcceptResult
	err := s.InTx(ctx, actor.UserID, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = s.lifecycle.AcceptOffer(ctx, u, offerID, actor)
		return err
	})
	if err != nil {
		s.logFailure("accept offer", err)
		return AcceptResult{}, err
	}
	return res, nil
}

// RejectOffer rejects a PENDING offer and re-offers the enrollment. With no
// other agent available the rejection is still committed and returned
// together with ErrNoOtherESAvailable.
func (s *Service) RejectOffer(ctx context.Context, offerID string, actor auth.Actor) (RejectResult, error) {
	var res RejectResult
	err := s.inTxKeeping(ctx, "reject offer", actor.UserID, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = s.lifecycle.RejectOffer(ctx, u, offerID, actor)
		return err
	})
	if err != nil && KindOf(err) != KindExhausted {
		return RejectResult{}, err
	}
	return res, err
}

// CompleteEnrollment marks an ASSIGNED enrollment COMPLETED and frees the
// assigned agent.
func (s *Service) CompleteEnrollment(ctx context.Context, enrollmentID string, actor auth.Actor) (enrollment.Enrollment, error) {
	var res enrollment.Enrollment
	err := s.InTx(ctx, actor.UserID, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = s.lifecycle.CompleteEnrollment(ctx, u, enrollmentID, actor)
		return err
	})
	if err != nil {
		s.logFailure("complete enrollment", err)
		return enrollment.Enrollment{}, err
	}
	return res, nil
}

// Redispatch offers a stranded WAITING enrollment again.
func (s *Service) Redispatch(ctx context.Context, enrollmentID string, actor auth.Actor) (Result, error) {
	if !actor.IsAdmin() {
		return Result{}, ErrForbidden
	}
	var res Result
	err := s.InTx(ctx, actor.UserID, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = s.orchestrator.Redispatch(ctx, u, enrollmentID)
		return err
	})
	if err != nil {
		s.logFailure("redispatch", err)
		return Result{}, err
	}
	return res, nil
}

// SetAgentStatus lets an admin override an agent's availability.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status agent.Status, actor auth.Actor) (agent.Agent, error) {
	var res agent.Agent
	err := s.InTx(ctx, actor.UserID, func(ctx context.Context, u *Unit) error {
		var err error
		res, err = s.lifecycle.SetAgentStatus(ctx, u, agentID, status, actor)
		return err
	})
	if err != nil {
		s.logFailure(fmt.Sprintf("set agent %s status", agentID), err)
		return agent.Agent{}, err
	}
	return res, nil
}
