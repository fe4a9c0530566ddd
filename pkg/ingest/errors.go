package ingest

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable cause of a rejected report.
type Reason string

const (
	ReasonBadSignature    Reason = "bad_signature"
	ReasonReplay          Reason = "replay"
	ReasonUnknownIdentity Reason = "unknown_identity"
	ReasonRevoked         Reason = "revoked"
	ReasonMalformed       Reason = "malformed"
)

// Error kinds. A *RejectionError matches exactly one of them with errors.Is.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrReplay         = errors.New("replayed report")
	ErrMalformed      = errors.New("malformed report")
)

// RejectionError is returned for every report refused at ingestion. Nothing
// from a rejected report reaches the merge pipeline.
type RejectionError struct {
	Reason     Reason
	InstanceID string
	Err        error
}

func (e *RejectionError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("report from %s rejected (%s): %v", e.InstanceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("report rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Is matches the error kind of the rejection reason.
func (e *RejectionError) Is(target error) bool {
	return target == e.Kind()
}

// Kind maps the reason to ErrAuthentication, ErrReplay or ErrMalformed.
func (e *RejectionError) Kind() error {
	switch e.Reason {
	case ReasonReplay:
		return ErrReplay
	case ReasonMalformed:
		return ErrMalformed
	default:
		return ErrAuthentication
	}
}

func reject(reason Reason, instanceID string, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Reason: reason, InstanceID: instanceID, Err: fmt.Errorf(format, args...)}
}

// ReasonOf returns the rejection reason carried by err, or "" when err is
// not a rejection.
func ReasonOf(err error) Reason {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
