package offer

import (
	"fmt"
	"time"
)

// Status of an offer. Everything except PENDING is terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

// CanTransitionTo allows only PENDING to a terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.Terminal()
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("offer: unknown status %q", s)
	}
	return st, nil
}

// Tier records whether the agent was free when offered.
type Tier string

const (
	TierPrimary      Tier = "PRIMARY"
	TierFallbackBusy Tier = "FALLBACK_BUSY"
)

func (t Tier) Valid() bool {
	return t == TierPrimary || t == TierFallbackBusy
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("offer: unknown tier %q", s)
	}
	return t, nil
}

// Offer is a time-boxed proposal of an enrollment to one ES.
type Offer struct {
	ID           string
	EnrollmentID string
	ESID         string
	Tier         Tier
	Status       Status
	OfferedAt    time.Time
	ExpiresAt    time.Time
	RespondedAt  *time.Time
}

// Expired reports whether the response window has closed at now.
func (o Offer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
