package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Scope limits reads to one center and, for counselors, to their own patients.
type Scope struct {
	CenterID    uuid.UUID
	CounselorID *uuid.UUID
}

type LogStore interface {
	// ListEvents returns events with from <= log_date <= to, newest created first.
	ListEvents(ctx context.Context, scope Scope, from, to time.Time) ([]*LogEvent, error)
	// GetEvent returns one event inside scope, or ErrEventNotFound.
	GetEvent(ctx context.Context, scope Scope, eventID uuid.UUID) (*LogEvent, error)
	// SetReviewed sets is_reviewed. It never clears the flag and returns
	// ErrEventNotFound when no event inside scope has that id.
	SetReviewed(ctx context.Context, scope Scope, eventID uuid.UUID) error
}

// InterventionStore is append-only: there is no update or delete.
type InterventionStore interface {
	Insert(ctx context.Context, r *InterventionRecord) error
	ListSince(ctx context.Context, centerID uuid.UUID, createdAfter time.Time) ([]*InterventionRecord, error)
	ListByEvent(ctx context.Context, centerID, eventID uuid.UUID) ([]*InterventionRecord, error)
	List(ctx context.Context, scope Scope, limit, offset int) ([]*InterventionRecord, int, error)
}

type PatientDirectory interface {
	ListByCenter(ctx context.Context, centerID uuid.UUID) ([]*Patient, error)
	GetByID(ctx context.Context, centerID, patientID uuid.UUID) (*Patient, error)
}
