package triage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mindlog/triage/internal/platform/db"
)

// Coordinator is the only writer of the review flag and of intervention
// records. With a Transactor the intervention insert and the review write
// commit together; without one they run as two independent steps and a
// failure between them surfaces as *PartialCascadeFailure.
type Coordinator struct {
	logs          LogStore
	interventions InterventionStore
	tx            db.Transactor
}

// NewCoordinator builds a coordinator. tx may be nil for stores that cannot
// span both writes in one transaction.
func NewCoordinator(logs LogStore, interventions InterventionStore, tx db.Transactor) *Coordinator {
	return &Coordinator{logs: logs, interventions: interventions, tx: tx}
}

// Atomic reports whether RecordIntervention commits both writes together.
func (c *Coordinator) Atomic() bool { return c.tx != nil }

// MarkReviewed sets the review flag. Calling it on an already reviewed event
// succeeds and changes nothing.
func (c *Coordinator) MarkReviewed(ctx context.Context, scope Scope, eventID uuid.UUID) error {
	if scope.CenterID == uuid.Nil {
		return ErrCenterRequired
	}
	err := c.logs.SetReviewed(ctx, scope, eventID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEventNotFound):
		return err
	default:
		return &WriteFailure{Op: "set_reviewed", Err: err}
	}
}

// RecordIntervention stores rec, then marks rec.RelatedLogID reviewed. The
// second step never starts unless the first succeeded. The caller must have
// checked that the event belongs to rec.PatientID.
func (c *Coordinator) RecordIntervention(ctx context.Context, rec *InterventionRecord) error {
	if rec.CenterID == uuid.Nil {
		return ErrCenterRequired
	}
	if rec.RelatedLogID == nil {
		return ErrEventNotFound
	}
	eventID := *rec.RelatedLogID
	scope := Scope{CenterID: rec.CenterID}

	if c.tx != nil {
		err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := c.interventions.Insert(ctx, rec); err != nil {
				return err
			}
			return c.logs.SetReviewed(ctx, scope, eventID)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrEventNotFound):
			return err
		default:
			return &WriteFailure{Op: "record_intervention", Err: err}
		}
	}

	if err := c.interventions.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return err
		}
		return &WriteFailure{Op: "insert_intervention", Err: err}
	}
	if err := c.logs.SetReviewed(ctx, scope, eventID); err != nil {
		return &PartialCascadeFailure{Intervention: rec, Err: err}
	}
	return nil
}
