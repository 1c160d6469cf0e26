package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esdispatch/agent"
	"esdispatch/audit"
	"esdispatch/auth"
	"esdispatch/enrollment"
	"esdispatch/offer"
)

func TestDispatchNew_OffersFairestAvailable(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, ago(2*time.Hour))
	h.db.AddAgent("y", agent.StatusAvailable, nil)
	h.db.AddAgent("z", agent.StatusAvailable, ago(3*time.Hour))

	res, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, res.Dispatch)

	got := res.Dispatch
	assert.Equal(t, "y", got.Agent.ID, "never-assigned agents come first")
	assert.Equal(t, offer.TierPrimary, got.Tier)
	assert.Equal(t, offer.StatusPending, got.Offer.Status)
	assert.Equal(t, t0, got.Offer.OfferedAt)
	assert.Equal(t, t0.Add(5*time.Minute), got.Offer.ExpiresAt)

	require.NotNil(t, h.db.Agent("y").LastAssignedAt)
	assert.Equal(t, t0, *h.db.Agent("y").LastAssignedAt, "primary offers stamp fairness at once")
	assert.Equal(t, agent.StatusAvailable, h.db.Agent("y").Status)

	assert.Equal(t, enrollment.StatusWaiting, h.db.Enrollment(res.Enrollment.ID).Status)
	assert.Len(t, h.db.PendingFor(res.Enrollment.ID), 1)
	assert.True(t, h.pool.Last().Committed)
	assert.Equal(t, []audit.Action{audit.ActionEnrollmentCreated, audit.ActionOfferCreated}, h.sink.Actions())
	created := h.sink.Entries()[0]
	assert.Equal(t, "as-1", created.ActorUserID)
	assert.Equal(t, "as-1", created.Metadata["requested_by"])
	assert.Equal(t, 1, h.rec.Created["PRIMARY"])
	assert.Equal(t, 1, h.rec.Dispatches["create/offered"])
}

func TestDispatchNew_FairnessRotates(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, ago(time.Hour))
	h.db.AddAgent("y", agent.StatusAvailable, ago(2*time.Hour))
	h.db.AddAgent("z", agent.StatusAvailable, ago(3*time.Hour))

	var order []string
	for i := 0; i < 4; i++ {
		h.advance(time.Second)
		res, err := h.svc.DispatchNew(context.Background(), fmt.Sprintf("p-%d", i), "as-1", t0)
		require.NoError(t, err)
		order = append(order, res.Dispatch.Agent.ID)
	}
	assert.Equal(t, []string{"z", "y", "x", "z"}, order)
}

func TestDispatchNew_TieBreaksOnLowestID(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("b", agent.StatusAvailable, ago(time.Hour))
	h.db.AddAgent("a", agent.StatusAvailable, ago(time.Hour))
	h.db.AddAgent("c", agent.StatusAvailable, ago(time.Hour))

	res, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Dispatch.Agent.ID)
}

func TestDispatchNew_FallsBackToBusyWithoutStamp(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("b1", agent.StatusBusy, ago(time.Hour))
	h.db.AddAgent("b2", agent.StatusBusy, ago(2*time.Hour))
	h.db.AddAgent("off", agent.StatusUnavailable, nil)

	res, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0)
	require.NoError(t, err)

	assert.Equal(t, "b2", res.Dispatch.Agent.ID)
	assert.Equal(t, offer.TierFallbackBusy, res.Dispatch.Tier)
	assert.Equal(t, offer.TierFallbackBusy, res.Dispatch.Offer.Tier)
	assert.Equal(t, *ago(2 * time.Hour), *h.db.Agent("b2").LastAssignedAt, "fallback offers leave fairness alone")
	assert.Equal(t, agent.StatusBusy, h.db.Agent("b2").Status)
	assert.Equal(t, 1, h.rec.Created["FALLBACK_BUSY"])
}

func TestDispatchNew_NoAgentKeepsEnrollment(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("off", agent.StatusUnavailable, nil)

	res, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0)
	require.ErrorIs(t, err, ErrNoESAvailable)
	assert.Equal(t, "NO_ES_AVAILABLE", CodeOf(err))
	assert.Equal(t, KindExhausted, KindOf(err))

	require.NotEmpty(t, res.Enrollment.ID)
	assert.Nil(t, res.Dispatch)
	assert.Equal(t, enrollment.StatusWaiting, h.db.Enrollment(res.Enrollment.ID).Status)
	assert.Empty(t, h.db.OffersFor(res.Enrollment.ID))
	assert.True(t, h.pool.Last().Committed)
	assert.Equal(t, []audit.Action{audit.ActionEnrollmentCreated}, h.sink.Actions())
	assert.Equal(t, 1, h.rec.Dispatches["create/exhausted"])
}

func TestDispatchNew_Validation(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)

	cases := map[string]struct {
		premise, requester string
		timeslot           time.Time
	}{
		"premise_id":   {"", "as-1", t0},
		"requested_by": {"premise-1", " ", t0},
		"timeslot":     {"premise-1", "as-1", time.Time{}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.DispatchNew(context.Background(), c.premise, c.requester, c.timeslot)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.ErrorContains(t, err, name)
			assert.Equal(t, KindInvalid, KindOf(err))
		})
	}
	assert.Empty(t, h.db.State.Enrollments)
}

func TestDispatchNew_InfrastructureFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	h.db.Fail["create offer"] = errBoom

	_, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "INTERNAL_ERROR", CodeOf(err))

	assert.Empty(t, h.db.State.Enrollments)
	assert.Nil(t, h.db.Agent("x").LastAssignedAt)
	assert.True(t, h.pool.Last().RolledBack)
	assert.Empty(t, h.sink.Actions(), "nothing is audited for a rolled back command")
}

func TestService_BeginFailure(t *testing.T) {
	h := newHarness(t)
	h.pool.BeginErr = errBoom

	_, err := h.svc.AcceptOffer(context.Background(), "id-001", es("x"))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, KindInternal, KindOf(err))
}

// newOffer creates an enrollment dispatched to the fairest agent and
// returns the enrollment and offer ids.
func newOffer(t *testing.T, h *harness) (string, string) {
	t.Helper()
	res, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, res.Dispatch)
	return res.Enrollment.ID, res.Dispatch.Offer.ID
}

func TestAcceptOffer_AssignsEnrollment(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	enrollmentID, offerID := newOffer(t, h)

	h.advance(time.Minute)
	res, err := h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.NoError(t, err)

	assert.Equal(t, offer.StatusAccepted, res.Offer.Status)
	require.NotNil(t, res.Offer.RespondedAt)
	assert.Equal(t, h.now, *res.Offer.RespondedAt)

	enr := h.db.Enrollment(enrollmentID)
	assert.Equal(t, enrollment.StatusAssigned, enr.Status)
	require.NotNil(t, enr.AssignedESID)
	assert.Equal(t, "x", *enr.AssignedESID)

	x := h.db.Agent("x")
	assert.Equal(t, agent.StatusBusy, x.Status)
	assert.Equal(t, h.now, *x.LastAssignedAt)

	assert.Contains(t, h.sink.Actions(), audit.ActionOfferAccepted)
	assert.Equal(t, 1, h.rec.Resolved["ACCEPTED"])
}

func TestAcceptOffer_SecondAcceptLoses(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	enrollmentID, offerID := newOffer(t, h)

	_, err := h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.NoError(t, err)
	before := h.db.State.Clone()

	h.advance(time.Second)
	_, err = h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.ErrorIs(t, err, ErrOfferNotPending)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, before, h.db.State)
	assert.Equal(t, enrollment.StatusAssigned, h.db.Enrollment(enrollmentID).Status)
}

func TestAcceptOffer_Ownership(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	h.db.AddAgent("y", agent.StatusAvailable, ago(time.Hour))
	enrollmentID, offerID := newOffer(t, h)

	_, err := h.svc.AcceptOffer(context.Background(), offerID, es("y"))
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, offer.StatusPending, h.db.Offer(offerID).Status)

	_, err = h.svc.AcceptOffer(context.Background(), offerID, auth.Actor{UserID: "x", Role: auth.RoleAS})
	require.NoError(t, err, "ownership is by user id")

	assert.Equal(t, "x", *h.db.Enrollment(enrollmentID).AssignedESID)
}

func TestAcceptOffer_AdminOverride(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	enrollmentID, offerID := newOffer(t, h)

	res, err := h.svc.AcceptOffer(context.Background(), offerID, admin)
	require.NoError(t, err)
	assert.Equal(t, "x", *h.db.Enrollment(enrollmentID).AssignedESID, "admin accepts on behalf of the offeree")
	assert.Equal(t, "x", res.Agent.ID)
	assert.Equal(t, "admin-1", h.lastEntry(t).ActorUserID)
}

func TestAcceptOffer_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.AcceptOffer(context.Background(), "missing", es("x"))
	require.ErrorIs(t, err, ErrOfferNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestAcceptOffer_RollsBackOnAgentFailure(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	enrollmentID, offerID := newOffer(t, h)
	h.db.Fail["busy"] = errBoom

	_, err := h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, offer.StatusPending, h.db.Offer(offerID).Status)
	assert.Equal(t, enrollment.StatusWaiting, h.db.Enrollment(enrollmentID).Status)
	assert.Equal(t, agent.StatusAvailable, h.db.Agent("x").Status)
}

func TestAcceptOffer_ExpiresSupersededOffers(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	enrollmentID, offerID := newOffer(t, h)

	// A stray second PENDING row, as left by data repair.
	stray := h.db.Offer(offerID)
	stray.ID = "stray"
	stray.ESID = "y"
	h.db.State.Offers[stray.ID] = stray

	res, err := h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.NoError(t, err)
	require.Len(t, res.Superseded, 1)
	assert.Equal(t, offer.StatusExpired, h.db.Offer("stray").Status)
	assert.Empty(t, h.db.PendingFor(enrollmentID))
}

func TestRejectOffer_IntoDeadEnd(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)

	created, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0)
	require.NoError(t, err)
	o1 := created.Dispatch.Offer
	assert.Equal(t, "x", o1.ESID)
	assert.Equal(t, o1.OfferedAt.Add(5*time.Minute), o1.ExpiresAt)
	assert.Equal(t, t0, *h.db.Agent("x").LastAssignedAt)

	h.advance(30 * time.Second)
	res, err := h.svc.RejectOffer(context.Background(), o1.ID, es("x"))
	require.ErrorIs(t, err, ErrNoOtherESAvailable)
	assert.Equal(t, KindExhausted, KindOf(err))

	assert.Equal(t, offer.StatusRejected, res.Rejected.Status)
	assert.Nil(t, res.Next)
	assert.True(t, h.pool.Last().Committed, "rejecting into a dead end still commits")

	assert.Equal(t, enrollment.StatusWaiting, h.db.Enrollment(created.Enrollment.ID).Status)
	history := h.db.OffersFor(created.Enrollment.ID)
	require.Len(t, history, 1)
	assert.Equal(t, offer.StatusRejected, history[0].Status)
	assert.Contains(t, h.sink.Actions(), audit.ActionOfferRejected)
	assert.Equal(t, 1, h.rec.Dispatches["reject/exhausted"])
}

func TestRejectOffer_ReoffersExcludingRejecter(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	h.db.AddAgent("y", agent.StatusBusy, ago(time.Hour))
	enrollmentID, offerID := newOffer(t, h)

	h.advance(time.Minute)
	res, err := h.svc.RejectOffer(context.Background(), offerID, es("x"))
	require.NoError(t, err)
	require.NotNil(t, res.Next)

	// x is the only AVAILABLE agent, so the re-offer falls back to busy y.
	assert.Equal(t, "y", res.Next.Agent.ID)
	assert.Equal(t, offer.TierFallbackBusy, res.Next.Tier)

	pending := h.db.PendingFor(enrollmentID)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Next.Offer.ID, pending[0].ID)
	assert.Equal(t, offer.StatusRejected, h.db.Offer(offerID).Status)
}

func TestRejectOffer_Errors(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	h.db.AddAgent("y", agent.StatusAvailable, ago(time.Hour))
	_, offerID := newOffer(t, h)

	_, err := h.svc.RejectOffer(context.Background(), "missing", es("x"))
	assert.ErrorIs(t, err, ErrOfferNotFound)

	_, err = h.svc.RejectOffer(context.Background(), offerID, es("y"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.NoError(t, err)
	_, err = h.svc.RejectOffer(context.Background(), offerID, es("x"))
	assert.ErrorIs(t, err, ErrOfferAlreadyProcessed)
}

func TestTerminalOffersAreImmutable(t *testing.T) {
	terminal := map[offer.Status]func(t *testing.T, h *harness, offerID string){
		offer.StatusAccepted: func(t *testing.T, h *harness, offerID string) {
			_, err := h.svc.AcceptOffer(context.Background(), offerID, admin)
			require.NoError(t, err)
		},
		offer.StatusRejected: func(t *testing.T, h *harness, offerID string) {
			_, err := h.svc.RejectOffer(context.Background(), offerID, admin)
			require.ErrorIs(t, err, ErrNoOtherESAvailable)
		},
		offer.StatusExpired: func(t *testing.T, h *harness, offerID string) {
			err := h.svc.InTx(context.Background(), "", func(ctx context.Context, u *Unit) error {
				_, ok, err := h.svc.Lifecycle().ExpireOffer(ctx, u, offerID)
				require.True(t, ok)
				return err
			})
			require.NoError(t, err)
		},
	}

	for status, finish := range terminal {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			h.db.AddAgent("x", agent.StatusAvailable, nil)
			_, offerID := newOffer(t, h)
			finish(t, h, offerID)
			frozen := h.db.Offer(offerID)
			require.Equal(t, status, frozen.Status)

			_, err := h.svc.AcceptOffer(context.Background(), offerID, admin)
			assert.ErrorIs(t, err, ErrOfferNotPending)
			_, err = h.svc.RejectOffer(context.Background(), offerID, admin)
			assert.ErrorIs(t, err, ErrOfferAlreadyProcessed)
			err = h.svc.InTx(context.Background(), "", func(ctx context.Context, u *Unit) error {
				_, ok, err := h.svc.Lifecycle().ExpireOffer(ctx, u, offerID)
				assert.False(t, ok)
				return err
			})
			require.NoError(t, err)

			assert.Equal(t, frozen, h.db.Offer(offerID))
		})
	}
}

func TestExpireOffer_MarksAgentUnavailable(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	enrollmentID, offerID := newOffer(t, h)

	h.advance(6 * time.Minute)
	err := h.svc.InTx(context.Background(), "", func(ctx context.Context, u *Unit) error {
		expired, ok, err := h.svc.Lifecycle().ExpireOffer(ctx, u, offerID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, offer.StatusExpired, expired.Status)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, agent.StatusUnavailable, h.db.Agent("x").Status)
	assert.Equal(t, enrollment.StatusWaiting, h.db.Enrollment(enrollmentID).Status)
	assert.Equal(t, 1, h.rec.Resolved["EXPIRED"])
	assert.Contains(t, h.sink.Actions(), audit.ActionAgentStatusChanged)
}

func TestCompleteEnrollment_FreesAgent(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	enrollmentID, offerID := newOffer(t, h)

	h.advance(time.Minute)
	_, err := h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.NoError(t, err)
	acceptedAt := h.now

	h.advance(2 * time.Hour)
	done, err := h.svc.CompleteEnrollment(context.Background(), enrollmentID, es("x"))
	require.NoError(t, err)

	assert.Equal(t, enrollment.StatusCompleted, done.Status)
	assert.Equal(t, "x", *done.AssignedESID, "the assignee is kept on completion")
	x := h.db.Agent("x")
	assert.Equal(t, agent.StatusAvailable, x.Status)
	assert.Equal(t, acceptedAt, *x.LastAssignedAt, "completion is not a new assignment")
	assert.Contains(t, h.sink.Actions(), audit.ActionEnrollmentCompleted)
}

func TestCompleteEnrollment_Errors(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusAvailable, nil)
	h.db.AddAgent("y", agent.StatusAvailable, ago(time.Hour))
	enrollmentID, offerID := newOffer(t, h)

	_, err := h.svc.CompleteEnrollment(context.Background(), "missing", admin)
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)

	_, err = h.svc.CompleteEnrollment(context.Background(), enrollmentID, admin)
	assert.ErrorIs(t, err, ErrEnrollmentNotAssigned, "still WAITING")

	_, err = h.svc.AcceptOffer(context.Background(), offerID, es("x"))
	require.NoError(t, err)

	_, err = h.svc.CompleteEnrollment(context.Background(), enrollmentID, es("y"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.CompleteEnrollment(context.Background(), enrollmentID, es("x"))
	require.NoError(t, err)
	_, err = h.svc.CompleteEnrollment(context.Background(), enrollmentID, es("x"))
	assert.ErrorIs(t, err, ErrEnrollmentNotAssigned)
}

func TestRedispatch(t *testing.T) {
	h := newHarness(t)
	created, err := h.svc.DispatchNew(context.Background(), "premise-1", "as-1", t0)
	require.ErrorIs(t, err, ErrNoESAvailable)
	enrollmentID := created.Enrollment.ID

	_, err = h.svc.Redispatch(context.Background(), enrollmentID, admin)
	assert.ErrorIs(t, err, ErrNoESAvailable)

	h.db.AddAgent("x", agent.StatusAvailable, nil)
	_, err = h.svc.Redispatch(context.Background(), enrollmentID, es("x"))
	assert.ErrorIs(t, err, ErrForbidden)

	res, err := h.svc.Redispatch(context.Background(), enrollmentID, admin)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Agent.ID)
	assert.Equal(t, 1, h.rec.Dispatches["redispatch/offered"])

	_, err = h.svc.Redispatch(context.Background(), enrollmentID, admin)
	assert.ErrorIs(t, err, ErrOfferAlreadyPending)

	_, err = h.svc.AcceptOffer(context.Background(), res.Offer.ID, es("x"))
	require.NoError(t, err)
	_, err = h.svc.Redispatch(context.Background(), enrollmentID, admin)
	assert.ErrorIs(t, err, ErrEnrollmentNotWaiting)

	_, err = h.svc.Redispatch(context.Background(), "missing", admin)
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)
}

func TestSetAgentStatus(t *testing.T) {
	h := newHarness(t)
	h.db.AddAgent("x", agent.StatusUnavailable, ago(time.Hour))

	_, err := h.svc.SetAgentStatus(context.Background(), "x", agent.StatusAvailable, es("x"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.SetAgentStatus(context.Background(), "x", "ON_LEAVE", admin)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.SetAgentStatus(context.Background(), "missing", agent.StatusAvailable, admin)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	a, err := h.svc.SetAgentStatus(context.Background(), "x", agent.StatusAvailable, admin)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusAvailable, a.Status)
	assert.Equal(t, *ago(time.Hour), *a.LastAssignedAt)

	last := h.lastEntry(t)
	assert.Equal(t, audit.ActionAgentStatusChanged, last.Action)
	assert.Equal(t, map[string]any{"status": "UNAVAILABLE", "last_assigned_at": a.LastAssignedAt}, last.Before)
}

func TestAtMostOnePendingAcrossOperations(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.db.AddAgent(id, agent.StatusAvailable, nil)
	}
	enrollmentID, offerID := newOffer(t, h)

	check := func() {
		t.Helper()
		assert.LessOrEqual(t, len(h.db.PendingFor(enrollmentID)), 1)
	}
	check()

	res, err := h.svc.RejectOffer(context.Background(), offerID, admin)
	require.NoError(t, err)
	check()

	_, err = h.svc.Redispatch(context.Background(), enrollmentID, admin)
	require.ErrorIs(t, err, ErrOfferAlreadyPending)
	check()

	res, err = h.svc.RejectOffer(context.Background(), res.Next.Offer.ID, admin)
	require.NoError(t, err)
	check()

	_, err = h.svc.AcceptOffer(context.Background(), res.Next.Offer.ID, admin)
	require.NoError(t, err)
	check()
	assert.Empty(t, h.db.PendingFor(enrollmentID))
}
