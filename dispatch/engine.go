package dispatch

import (
	"fmt"
	"time"

	"esdispatch/logger"
	"esdispatch/metrics"
)

// DefaultOfferTTL is how long an agent has to answer an offer.
const DefaultOfferTTL = 5 * time.Minute

// Dispatch triggers, used as metric labels and audit metadata.
const (
	TriggerCreate     = "create"
	TriggerReject     = "reject"
	TriggerExpiry     = "expiry"
	TriggerRedispatch = "redispatch"
)

// engine holds what the selector, lifecycle manager and orchestrator share.
type engine struct {
	agents      AgentDirectory
	enrollments EnrollmentStore
	offers      OfferStore
	offerTTL    time.Duration
	idGenerator func() string
	recorder    metrics.Recorder
	log         logger.Logger
}

func wrapInternal(op string, err error) error {
	return fmt.Errorf("dispatch: %s: %w", op, err)
}
