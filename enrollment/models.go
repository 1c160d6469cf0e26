package enrollment

import (
	"fmt"
	"time"
)

// Status moves monotonically WAITING -> ASSIGNED -> COMPLETED.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusAssigned  Status = "ASSIGNED"
	StatusCompleted Status = "COMPLETED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusAssigned, StatusCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next directly follows s.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusWaiting:
		return next == StatusAssigned
	case StatusAssigned:
		return next == StatusCompleted
	default:
		return false
	}
}

// HasAssignee reports whether an enrollment in this status must carry an
// assigned agent.
func (s Status) HasAssignee() bool {
	return s == StatusAssigned || s == StatusCompleted
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("enrollment: unknown status %q", s)
	}
	return st, nil
}

// Enrollment is a service request waiting for, or served by, an ES.
type Enrollment struct {
	ID           string
	PremiseID    string
	RequestedBy  string
	Timeslot     time.Time
	Status       Status
	AssignedESID *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AssignedTo reports whether the enrollment is assigned to esID.
func (e Enrollment) AssignedTo(esID string) bool {
	return e.AssignedESID != nil && esID != "" && *e.AssignedESID == esID
}
