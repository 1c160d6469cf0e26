package dispatch

import (
	"errors"

	"esdispatch/auth"
)

// Kind groups error codes by how callers should react.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindForbidden
	// KindConflict means the entity is no longer in the required state.
	KindConflict
	// KindExhausted means no agent could take the enrollment. State changes
	// made before the search are kept.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindExhausted:
		return "exhausted"
	default:
		return "internal"
	}
}

// Error is a business outcome with a stable code.
type Error struct {
	Code string
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return "dispatch: " + e.msg }

func newError(code string, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, msg: msg}
}

var (
	ErrInvalidInput = newError("VALIDATION_ERROR", KindInvalid, "invalid input")

	ErrOfferNotFound      = newError("OFFER_NOT_FOUND", KindNotFound, "offer not found")
	ErrEnrollmentNotFound = newError("ENROLLMENT_NOT_FOUND", KindNotFound, "enrollment not found")
	ErrAgentNotFound      = newError("AGENT_NOT_FOUND", KindNotFound, "agent not found")

	ErrForbidden = newError("FORBIDDEN", KindForbidden, "actor may not act on this resource")

	ErrOfferNotPending       = newError("OFFER_NOT_PENDING", KindConflict, "offer is no longer pending")
	ErrOfferAlreadyProcessed = newError("OFFER_ALREADY_PROCESSED", KindConflict, "offer was already processed")
	ErrOfferAlreadyPending   = newError("OFFER_ALREADY_PENDING", KindConflict, "enrollment already has a pending offer")
	ErrEnrollmentNotAssigned = newError("ENROLLMENT_NOT_ASSIGNED", KindConflict, "enrollment is not assigned")
	ErrEnrollmentNotWaiting  = newError("ENROLLMENT_NOT_WAITING", KindConflict, "enrollment is not waiting")

	ErrNoESAvailable      = newError("NO_ES_AVAILABLE", KindExhausted, "no ES available")
	ErrNoOtherESAvailable = newError("NO_OTHER_ES_AVAILABLE", KindExhausted, "no other ES available")
)

// CodeOf returns the stable code for err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, auth.ErrUserNotRegistered) {
		return "USER_NOT_REGISTERED"
	}
	return "INTERNAL_ERROR"
}

// KindOf classifies err; unknown errors are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, auth.ErrUserNotRegistered) {
		return KindForbidden
	}
	return KindInternal
}
