package domain

import (
	"errors"
	"fmt"
)

// Kind classifies domain failures so callers can branch on them without
// matching message text.
type Kind string

const (
	KindSlotUnavailable      Kind = "slot_unavailable"
	KindOutOfPolicyWindow    Kind = "out_of_policy_window"
	KindCapacityExceeded     Kind = "capacity_exceeded"
	KindSeriesBoundsExceeded Kind = "series_bounds_exceeded"
	KindDeliveryExhausted    Kind = "delivery_exhausted"
	KindPromotionExpired     Kind = "promotion_expired"
	KindNotFound             Kind = "not_found"
	KindInvalidArgument      Kind = "invalid_argument"
	KindTenantSuspended      Kind = "tenant_suspended"
	KindIllegalTransition    Kind = "illegal_transition"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return string(e.Kind) + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the exported sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrSlotUnavailable      = &Error{Kind: KindSlotUnavailable}
	ErrOutOfPolicyWindow    = &Error{Kind: KindOutOfPolicyWindow}
	ErrCapacityExceeded     = &Error{Kind: KindCapacityExceeded}
	ErrSeriesBoundsExceeded = &Error{Kind: KindSeriesBoundsExceeded}
	ErrDeliveryExhausted    = &Error{Kind: KindDeliveryExhausted}
	ErrPromotionExpired     = &Error{Kind: KindPromotionExpired}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrTenantSuspended      = &Error{Kind: KindTenantSuspended}
	ErrIllegalTransition    = &Error{Kind: KindIllegalTransition}
)

func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConflict reports whether err is a lost race for a slot that a retry
// with fresh availability might win.
func IsConflict(err error) bool {
	switch KindOf(err) {
	case KindSlotUnavailable, KindCapacityExceeded:
		return true
	}
	return false
}
