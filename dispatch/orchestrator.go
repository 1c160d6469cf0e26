package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"esdispatch/agent"
	"esdispatch/audit"
	"esdispatch/enrollment"
	"esdispatch/offer"
)

// Result describes the offer a dispatch produced.
type Result struct {
	Offer offer.Offer
	Agent agent.Agent
	Tier  offer.Tier
}

// NewEnrollment is the input of DispatchNew.
type NewEnrollment struct {
	PremiseID   string
	RequestedBy string
	Timeslot    time.Time
}

func (n NewEnrollment) validate() error {
	var missing []string
	if strings.TrimSpace(n.PremiseID) == "" {
		missing = append(missing, "premise_id")
	}
	if strings.TrimSpace(n.RequestedBy) == "" {
		missing = append(missing, "requested_by")
	}
	if n.Timeslot.IsZero() {
		missing = append(missing, "timeslot")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

// NewEnrollmentResult always carries the enrollment; Dispatch is nil when no
// agent was available.
type NewEnrollmentResult struct {
	Enrollment enrollment.Enrollment
	Dispatch   *Result
}

// Orchestrator turns a WAITING enrollment into a PENDING offer.
type Orchestrator struct {
	e         *engine
	selector  *Selector
	lifecycle *Lifecycle
}

// Dispatch selects an agent for a WAITING enrollment and offers it to them,
// inside a savepoint of u. On any error, ErrNoESAvailable included, the
// savepoint is rolled back and the enrollment stays WAITING while the rest
// of u is untouched.
func (o *Orchestrator) Dispatch(ctx context.Context, u *Unit, enrollmentID, excluding, trigger string) (Result, error) {
	var res Result
	err := u.savepoint(ctx, func(sp *Unit) error {
		enr, err := o.e.enrollments.GetForUpdate(ctx, sp.Tx, enrollmentID)
		if err != nil {
			if errors.Is(err, enrollment.ErrNotFound) {
				return ErrEnrollmentNotFound
			}
			return wrapInternal("lock enrollment", err)
		}
		if enr.Status != enrollment.StatusWaiting {
			return ErrEnrollmentNotWaiting
		}

		sel, err := o.selector.SelectAgent(ctx, sp.Tx, excluding)
		if err != nil {
			return err
		}

		created, a, err := o.lifecycle.CreateOffer(ctx, sp, enrollmentID, sel.Agent, sel.Tier)
		if err != nil {
			return err
		}
		res = Result{Offer: created, Agent: a, Tier: sel.Tier}
		return nil
	})

	outcome := "offered"
	switch {
	case err == nil:
	case errors.Is(err, ErrNoESAvailable):
		outcome = "exhausted"
		o.e.log.Warnf("dispatch: no ES available for enrollment %s (trigger %s, excluding %q)", enrollmentID, trigger, excluding)
	default:
		return Result{}, err
	}
	u.AfterCommit(func() { o.e.recorder.DispatchOutcome(trigger, outcome) })
	if err != nil {
		return Result{}, err
	}
	o.e.log.Debugw("dispatch: offer created", map[string]any{
		"enrollment_id": enrollmentID,
		"offer_id":      res.Offer.ID,
		"es_id":         res.Agent.ID,
		"tier":          string(res.Tier),
		"trigger":       trigger,
	})
	return res, nil
}

// DispatchNew records a WAITING enrollment and dispatches it. When no agent
// is available the enrollment is still returned, with ErrNoESAvailable; the
// caller commits it either way.
func (o *Orchestrator) DispatchNew(ctx context.Context, u *Unit, req NewEnrollment) (NewEnrollmentResult, error) {
	if err := req.validate(); err != nil {
		return NewEnrollmentResult{}, err
	}

	enr, err := o.e.enrollments.Create(ctx, u.Tx, enrollment.Enrollment{
		ID:          o.e.idGenerator(),
		PremiseID:   strings.TrimSpace(req.PremiseID),
		RequestedBy: req.RequestedBy,
		Timeslot:    req.Timeslot,
		Status:      enrollment.StatusWaiting,
		CreatedAt:   u.Now,
	})
	if err != nil {
		return NewEnrollmentResult{}, wrapInternal("create enrollment", err)
	}
	u.Audit(audit.Entry{
		ActorUserID: req.RequestedBy,
		Action:      audit.ActionEnrollmentCreated,
		EntityType:  audit.EntityEnrollment,
		EntityID:    enr.ID,
		After:       enrollmentState(enr),
		Metadata:    map[string]any{"premise_id": enr.PremiseID, "requested_by": enr.RequestedBy, "timeslot": enr.Timeslot},
	})

	res, err := o.Dispatch(ctx, u, enr.ID, "", TriggerCreate)
	if err != nil {
		return NewEnrollmentResult{Enrollment: enr}, err
	}
	return NewEnrollmentResult{Enrollment: enr, Dispatch: &res}, nil
}

// Redispatch offers a WAITING enrollment that has no open offer, for
// example one left stranded when every agent was unavailable.
func (o *Orchestrator) Redispatch(ctx context.Context, u *Unit, enrollmentID string) (Result, error) {
	enr, err := o.e.enrollments.GetForUpdate(ctx, u.Tx, enrollmentID)
	if err != nil {
		if errors.Is(err, enrollment.ErrNotFound) {
			return Result{}, ErrEnrollmentNotFound
		}
		return Result{}, wrapInternal("lock enrollment", err)
	}
	if enr.Status != enrollment.StatusWaiting {
		return Result{}, ErrEnrollmentNotWaiting
	}
	pending, err := o.e.offers.HasPending(ctx, u.Tx, enrollmentID)
	if err != nil {
		return Result{}, wrapInternal("check pending", err)
	}
	if pending {
		return Result{}, ErrOfferAlreadyPending
	}
	return o.Dispatch(ctx, u, enrollmentID, "", TriggerRedispatch)
}
