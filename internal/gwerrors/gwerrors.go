// Package gwerrors defines the gateway's error-kind taxonomy (spec §7).
// Kinds are caught at component boundaries; none of them are meant to
// propagate as-is to a webhook HTTP response — handlers translate kind to
// status code explicitly (see internal/webhooksec and the channel webhook
// handlers).
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error for logging and boundary-level recovery.
type Kind string

const (
	InvalidPayload            Kind = "invalid_payload"
	Unauthorized              Kind = "unauthorized"
	AmbiguousTarget           Kind = "ambiguous_target"
	PairingRequired           Kind = "pairing_required"
	AccessDenied              Kind = "access_denied"
	MentionRequired           Kind = "mention_required"
	CommandUnauthorized       Kind = "command_unauthorized"
	TransientDeliveryFailure  Kind = "transient_delivery_failure"
	PermanentDeliveryFailure  Kind = "permanent_delivery_failure"
	ScheduleComputationError  Kind = "schedule_computation_error"
	JobTimeout                Kind = "job_timeout"
	StuckRun                  Kind = "stuck_run"
	Aborted                   Kind = "aborted"
)

// Error is a kinded gateway error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// KindOf extracts the kind from err, returning ("", false) if err isn't one
// of ours.
func KindOf(err error) (Kind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return "", false
}
