package dispatch

import (
	"context"

	"github.com/jackc/pgx/v5"

	"esdispatch/agent"
	"esdispatch/offer"
)

// Selection is the agent chosen for an offer and the tier it is offered at.
type Selection struct {
	Agent agent.Agent
	Tier  offer.Tier
}

// Selector picks the next agent by fairness: the AVAILABLE agent assigned
// least recently, else the least recently assigned BUSY agent. It only
// reads.
type Selector struct {
	e *engine
}

// SelectAgent returns ErrNoESAvailable when neither tier has a candidate.
// excluding may be empty.
func (s *Selector) SelectAgent(ctx context.Context, tx pgx.Tx, excluding string) (Selection, error) {
	tiers := []struct {
		status agent.Status
		tier   offer.Tier
	}{
		{agent.StatusAvailable, offer.TierPrimary},
		{agent.StatusBusy, offer.TierFallbackBusy},
	}
	for _, t := range tiers {
		a, ok, err := s.e.agents.FindFairestCandidate(ctx, tx, t.status, excluding)
		if err != nil {
			return Selection{}, wrapInternal("select agent", err)
		}
		if ok {
			return Selection{Agent: a, Tier: t.tier}, nil
		}
	}
	return Selection{}, ErrNoESAvailable
}
