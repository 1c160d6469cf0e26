package db

import "github.com/google/uuid"

// ParseID returns id in canonical UUID form. ok is false when id cannot be
// a primary key, so callers can answer "not found" without a round trip.
func ParseID(id string) (string, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return u.String(), true
}
