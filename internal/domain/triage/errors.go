package triage

import (
	"errors"
	"fmt"
)

var (
	ErrCenterRequired   = errors.New("center_id is required")
	ErrEventNotFound    = errors.New("log event not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrInvalidRiskLevel = errors.New("invalid risk_level")
	ErrUnknownAction    = errors.New("unknown action code")
	ErrMalformedEvent   = errors.New("malformed log event")
	ErrPatientMismatch  = errors.New("patient_id does not match the log event")
)

// WriteFailure is returned when a store write did not apply. Nothing was
// changed, so the caller may retry the whole operation.
type WriteFailure struct {
	Op  string
	Err error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// PartialCascadeFailure is returned when the intervention was stored but the
// follow-up review flag write failed. The clinical record is saved; the event
// still reads as unreviewed until someone marks it.
type PartialCascadeFailure struct {
	Intervention *InterventionRecord
	Err          error
}

func (e *PartialCascadeFailure) Error() string {
	return fmt.Sprintf("intervention %s saved but marking event reviewed failed: %v",
		e.Intervention.ID, e.Err)
}

func (e *PartialCascadeFailure) Unwrap() error { return e.Err }
