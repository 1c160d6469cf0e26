package dispatch

import (
	"context"
	"errors"
	"fmt"

	"esdispatch/agent"
	"esdispatch/audit"
	"esdispatch/auth"
	"esdispatch/enrollment"
	"esdispatch/offer"
)

// Lifecycle is the sole writer of offer, enrollment and agent status. Every
// method writes the offer before the enrollment and the enrollment before
// the agent, so a transaction that loses a race on the offer never touches
// agent rows.
type Lifecycle struct {
	e    *engine
	orch *Orchestrator
}

// AcceptResult is the state after an offer was accepted.
type AcceptResult struct {
	Offer      offer.Offer
	Enrollment enrollment.Enrollment
	Agent      agent.Agent
	// Superseded lists other PENDING offers of the enrollment that were
	// expired in the same transaction.
	Superseded []offer.Offer
}

// RejectResult carries the rejected offer and, when another agent was found,
// the follow-up offer.
type RejectResult struct {
	Rejected offer.Offer
	Next     *Result
}

// CreateOffer inserts a PENDING offer for a. PRIMARY offers stamp the agent's
// fairness timestamp at once; FALLBACK_BUSY offers leave it alone.
func (l *Lifecycle) CreateOffer(ctx context.Context, u *Unit, enrollmentID string, a agent.Agent, tier offer.Tier) (offer.Offer, agent.Agent, error) {
	if !tier.Valid() {
		return offer.Offer{}, agent.Agent{}, fmt.Errorf("%w: tier %q", ErrInvalidInput, tier)
	}

	created, err := l.e.offers.Create(ctx, u.Tx, offer.Offer{
		ID:           l.e.idGenerator(),
		EnrollmentID: enrollmentID,
		ESID:         a.ID,
		Tier:         tier,
		Status:       offer.StatusPending,
		OfferedAt:    u.Now,
		ExpiresAt:    u.Now.Add(l.e.offerTTL),
	})
	if err != nil {
		if errors.Is(err, offer.ErrPendingExists) {
			return offer.Offer{}, agent.Agent{}, ErrOfferAlreadyPending
		}
		return offer.Offer{}, agent.Agent{}, wrapInternal("create offer", err)
	}

	if tier == offer.TierPrimary {
		if a, err = l.e.agents.MarkAssigned(ctx, u.Tx, a.ID, u.Now); err != nil {
			return offer.Offer{}, agent.Agent{}, wrapInternal("stamp agent", err)
		}
	}

	u.Audit(audit.Entry{
		Action:     audit.ActionOfferCreated,
		EntityType: audit.EntityOffer,
		EntityID:   created.ID,
		After:      offerState(created),
		Metadata:   map[string]any{"enrollment_id": enrollmentID, "es_id": a.ID, "tier": string(tier)},
	})
	u.AfterCommit(func() { l.e.recorder.OfferCreated(string(tier)) })
	return created, a, nil
}

// AcceptOffer assigns the offer's enrollment to its agent. Only the offered
// agent or an admin may accept. Of two concurrent accepts exactly one wins;
// the other gets ErrOfferNotPending.
func (l *Lifecycle) AcceptOffer(ctx context.Context, u *Unit, offerID string, actor auth.Actor) (AcceptResult, error) {
	current, err := l.e.offers.Get(ctx, u.Tx, offerID)
	if err != nil {
		if errors.Is(err, offer.ErrNotFound) {
			return AcceptResult{}, ErrOfferNotFound
		}
		return AcceptResult{}, wrapInternal("load offer", err)
	}
	if !actor.IsAdmin() && !actor.Is(current.ESID) {
		return AcceptResult{}, ErrForbidden
	}

	accepted, ok, err := l.e.offers.Transition(ctx, u.Tx, offerID, offer.StatusAccepted, u.Now)
	if err != nil {
		return AcceptResult{}, wrapInternal("accept offer", err)
	}
	if !ok {
		return AcceptResult{}, ErrOfferNotPending
	}

	enr, err := l.e.enrollments.MarkAssigned(ctx, u.Tx, accepted.EnrollmentID, accepted.ESID, u.Now)
	if err != nil {
		if errors.Is(err, enrollment.ErrStaleStatus) {
			return AcceptResult{}, ErrEnrollmentNotWaiting
		}
		return AcceptResult{}, wrapInternal("assign enrollment", err)
	}

	superseded, err := l.e.offers.ExpireOthers(ctx, u.Tx, enr.ID, accepted.ID, u.Now)
	if err != nil {
		return AcceptResult{}, wrapInternal("expire other offers", err)
	}

	a, err := l.e.agents.MarkBusy(ctx, u.Tx, accepted.ESID, u.Now)
	if err != nil {
		return AcceptResult{}, wrapInternal("mark agent busy", err)
	}

	u.Audit(audit.Entry{
		ActorUserID: actor.UserID,
		Action:      audit.ActionOfferAccepted,
		EntityType:  audit.EntityOffer,
		EntityID:    accepted.ID,
		Before:      offerState(current),
		After:       offerState(accepted),
		Metadata:    map[string]any{"enrollment_id": enr.ID, "es_id": accepted.ESID},
	})
	l.resolved(u, accepted)
	for _, o := range superseded {
		u.Audit(audit.Entry{
			Action:     audit.ActionOfferExpired,
			EntityType: audit.EntityOffer,
			EntityID:   o.ID,
			After:      offerState(o),
			Metadata:   map[string]any{"reason": "superseded", "accepted_offer_id": accepted.ID},
		})
		l.resolved(u, o)
	}

	return AcceptResult{Offer: accepted, Enrollment: enr, Agent: a, Superseded: superseded}, nil
}

// RejectOffer records the rejection and offers the enrollment to someone
// else, never the rejecting agent. When nobody else is available the
// rejection stands and ErrNoOtherESAvailable is returned with it; the
// caller should still commit.
func (l *Lifecycle) RejectOffer(ctx context.Context, u *Unit, offerID string, actor auth.Actor) (RejectResult, error) {
	current, err := l.e.offers.GetForUpdate(ctx, u.Tx, offerID)
	if err != nil {
		if errors.Is(err, offer.ErrNotFound) {
			return RejectResult{}, ErrOfferNotFound
		}
		return RejectResult{}, wrapInternal("lock offer", err)
	}
	if !actor.IsAdmin() && !actor.Is(current.ESID) {
		return RejectResult{}, ErrForbidden
	}
	if current.Status != offer.StatusPending {
		return RejectResult{}, ErrOfferAlreadyProcessed
	}

	rejected, ok, err := l.e.offers.Transition(ctx, u.Tx, offerID, offer.StatusRejected, u.Now)
	if err != nil {
		return RejectResult{}, wrapInternal("reject offer", err)
	}
	if !ok {
		return RejectResult{}, ErrOfferAlreadyProcessed
	}

	u.Audit(audit.Entry{
		ActorUserID: actor.UserID,
		Action:      audit.ActionOfferRejected,
		EntityType:  audit.EntityOffer,
		EntityID:    rejected.ID,
		Before:      offerState(current),
		After:       offerState(rejected),
		Metadata:    map[string]any{"enrollment_id": rejected.EnrollmentID, "es_id": rejected.ESID},
	})
	l.resolved(u, rejected)

	next, err := l.orch.Dispatch(ctx, u, rejected.EnrollmentID, rejected.ESID, TriggerReject)
	if err != nil {
		if errors.Is(err, ErrNoESAvailable) {
			return RejectResult{Rejected: rejected}, ErrNoOtherESAvailable
		}
		return RejectResult{}, err
	}
	return RejectResult{Rejected: rejected, Next: &next}, nil
}

// ExpireOffer closes a PENDING offer whose window passed and marks its agent
// UNAVAILABLE. It reports false when the offer had already left PENDING.
func (l *Lifecycle) ExpireOffer(ctx context.Context, u *Unit, offerID string) (offer.Offer, bool, error) {
	expired, ok, err := l.e.offers.Transition(ctx, u.Tx, offerID, offer.StatusExpired, u.Now)
	if err != nil {
		return offer.Offer{}, false, wrapInternal("expire offer", err)
	}
	if !ok {
		return offer.Offer{}, false, nil
	}

	a, err := l.e.agents.MarkUnavailable(ctx, u.Tx, expired.ESID, u.Now)
	if err != nil {
		return offer.Offer{}, false, wrapInternal("mark agent unavailable", err)
	}

	u.Audit(audit.Entry{
		Action:     audit.ActionOfferExpired,
		EntityType: audit.EntityOffer,
		EntityID:   expired.ID,
		Before:     map[string]any{"status": string(offer.StatusPending)},
		After:      offerState(expired),
		Metadata:   map[string]any{"enrollment_id": expired.EnrollmentID, "es_id": expired.ESID, "expires_at": expired.ExpiresAt},
	})
	u.Audit(audit.Entry{
		Action:     audit.ActionAgentStatusChanged,
		EntityType: audit.EntityAgent,
		EntityID:   a.ID,
		After:      agentState(a),
		Metadata:   map[string]any{"reason": "offer_expired", "offer_id": expired.ID},
	})
	l.resolved(u, expired)
	return expired, true, nil
}

// CompleteEnrollment finishes an ASSIGNED enrollment and frees its agent.
// The agent's fairness stamp is left as is.
func (l *Lifecycle) CompleteEnrollment(ctx context.Context, u *Unit, enrollmentID string, actor auth.Actor) (enrollment.Enrollment, error) {
	current, err := l.e.enrollments.GetForUpdate(ctx, u.Tx, enrollmentID)
	if err != nil {
		if errors.Is(err, enrollment.ErrNotFound) {
			return enrollment.Enrollment{}, ErrEnrollmentNotFound
		}
		return enrollment.Enrollment{}, wrapInternal("lock enrollment", err)
	}
	if !actor.IsAdmin() && !current.AssignedTo(actor.UserID) {
		return enrollment.Enrollment{}, ErrForbidden
	}
	if current.Status != enrollment.StatusAssigned || current.AssignedESID == nil {
		return enrollment.Enrollment{}, ErrEnrollmentNotAssigned
	}

	done, err := l.e.enrollments.MarkCompleted(ctx, u.Tx, enrollmentID, u.Now)
	if err != nil {
		if errors.Is(err, enrollment.ErrStaleStatus) {
			return enrollment.Enrollment{}, ErrEnrollmentNotAssigned
		}
		return enrollment.Enrollment{}, wrapInternal("complete enrollment", err)
	}

	a, err := l.e.agents.MarkAvailable(ctx, u.Tx, *current.AssignedESID, u.Now)
	if err != nil {
		return enrollment.Enrollment{}, wrapInternal("release agent", err)
	}

	u.Audit(audit.Entry{
		ActorUserID: actor.UserID,
		Action:      audit.ActionEnrollmentCompleted,
		EntityType:  audit.EntityEnrollment,
		EntityID:    done.ID,
		Before:      enrollmentState(current),
		After:       enrollmentState(done),
		Metadata:    map[string]any{"es_id": a.ID, "es_status": string(a.Status)},
	})
	return done, nil
}

// SetAgentStatus is the operator override of an agent's availability.
func (l *Lifecycle) SetAgentStatus(ctx context.Context, u *Unit, agentID string, status agent.Status, actor auth.Actor) (agent.Agent, error) {
	if !actor.IsAdmin() {
		return agent.Agent{}, ErrForbidden
	}
	if !status.Valid() {
		return agent.Agent{}, fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}

	before, after, err := l.e.agents.SetStatus(ctx, u.Tx, agentID, status, u.Now)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return agent.Agent{}, ErrAgentNotFound
		}
		return agent.Agent{}, wrapInternal("set agent status", err)
	}

	u.Audit(audit.Entry{
		ActorUserID: actor.UserID,
		Action:      audit.ActionAgentStatusChanged,
		EntityType:  audit.EntityAgent,
		EntityID:    after.ID,
		Before:      agentState(before),
		After:       agentState(after),
		Metadata:    map[string]any{"reason": "operator_override"},
	})
	return after, nil
}

func (l *Lifecycle) resolved(u *Unit, o offer.Offer) {
	open := u.Now.Sub(o.OfferedAt)
	status := string(o.Status)
	u.AfterCommit(func() { l.e.recorder.OfferResolved(status, open) })
}

func offerState(o offer.Offer) map[string]any {
	return map[string]any{
		"status":       string(o.Status),
		"tier":         string(o.Tier),
		"es_id":        o.ESID,
		"expires_at":   o.ExpiresAt,
		"responded_at": o.RespondedAt,
	}
}

func enrollmentState(e enrollment.Enrollment) map[string]any {
	return map[string]any{
		"status":         string(e.Status),
		"assigned_es_id": e.AssignedESID,
	}
}

func agentState(a agent.Agent) map[string]any {
	return map[string]any{
		"status":           string(a.Status),
		"last_assigned_at": a.LastAssignedAt,
	}
}
