package agent

import (
	"fmt"
	"time"
)

// Status is the availability of a field agent.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusBusy        Status = "BUSY"
	StatusUnavailable Status = "UNAVAILABLE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusUnavailable:
		return true
	default:
		return false
	}
}

// ParseStatus rejects values outside the closed set.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("agent: unknown status %q", s)
	}
	return st, nil
}

// Agent is a users row with role ES.
type Agent struct {
	ID     string
	Name   string
	Email  string
	Status Status
	// LastAssignedAt is the fairness stamp; nil sorts first.
	LastAssignedAt *time.Time
	UpdatedAt      time.Time
}

// Filter narrows List.
type Filter struct {
	Status Status
	Limit  int
}
