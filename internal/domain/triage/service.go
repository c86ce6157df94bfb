package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder receives triage measurements. platform/metrics implements it.
type Recorder interface {
	RecordAssembly(d time.Duration, surfaced int, excluded map[string]int)
	RecordLifecycle(op, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAssembly(time.Duration, int, map[string]int) {}
func (nopRecorder) RecordLifecycle(string, string) {}

// Lifecycle outcomes reported to the Recorder.
const (
	OutcomeOK             = "ok"
	OutcomeNotFound       = "not_found"
	OutcomeInvalid        = "invalid"
	OutcomeWriteFailure   = "write_failure"
	OutcomePartialCascade = "partial_cascade"
)

type Options struct {
	Policy          Policy
	LookbackDays    int
	MaxLookbackDays int
	Catalog         *ActionCatalog
	Metrics         Recorder
}

func (o *Options) applyDefaults() {
	if o.Policy.HighIntensity <= 0 {
		def := DefaultPolicy()
		def.DeviationEnabled = o.Policy.DeviationEnabled
		if o.Policy.DeviationMargin > 0 {
			def.DeviationMargin = o.Policy.DeviationMargin
		}
		o.Policy = def
	}
	if o.MaxLookbackDays <= 0 {
		o.MaxLookbackDays = 90
	}
	if o.LookbackDays <= 0 {
		o.LookbackDays = 14
	}
	if o.LookbackDays > o.MaxLookbackDays {
		o.LookbackDays = o.MaxLookbackDays
	}
	if o.Catalog == nil {
		o.Catalog = DefaultActionCatalog()
	}
	if o.Metrics == nil {
		o.Metrics = nopRecorder{}
	}
}

type Service struct {
	logs          LogStore
	interventions InterventionStore
	patients      PatientDirectory
	coordinator   *Coordinator
	assembler     *Assembler
	catalog       *ActionCatalog
	metrics       Recorder
	logger        zerolog.Logger
	defaultDays   int
	maxDays       int
	now           func() time.Time
}

func NewService(
	logs LogStore,
	interventions InterventionStore,
	patients PatientDirectory,
	coordinator *Coordinator,
	opts Options,
	logger zerolog.Logger,
) *Service {
	opts.applyDefaults()
	return &Service{
		logs:          logs,
		interventions: interventions,
		patients:      patients,
		coordinator:   coordinator,
		assembler:     NewAssembler(opts.Policy, logger),
		catalog:       opts.Catalog,
		metrics:       opts.Metrics,
		logger:        logger,
		defaultDays:   opts.LookbackDays,
		maxDays:       opts.MaxLookbackDays,
		now:           time.Now,
	}
}

// -- Inbox --

type InboxQuery struct {
	Scope  Scope
	Days   int
	Search string
	// Deviation overrides the configured DEVIATION rule for this load.
	Deviation *bool
}

type InboxWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	Days int       `json:"days"`
}

type Inbox struct {
	Items   []*TriageItem `json:"items"`
	Summary Summary       `json:"summary"`
	Window  InboxWindow   `json:"window"`
}

// lookback clamps a requested window to [1, maxDays]; zero means the default.
func (s *Service) lookback(days int) int {
	switch {
	case days == 0:
		days = s.defaultDays
	case days < 1:
		days = 1
	}
	if days > s.maxDays {
		days = s.maxDays
	}
	return days
}

// Inbox loads the stores and assembles the ranked triage list. Nothing is
// cached; each call reflects the stores as they are now.
func (s *Service) Inbox(ctx context.Context, q InboxQuery) (*Inbox, error) {
	if q.Scope.CenterID == uuid.Nil {
		return nil, ErrCenterRequired
	}
	start := time.Now()
	days := s.lookback(q.Days)
	now := s.now().UTC()
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -days)

	events, err := s.logs.ListEvents(ctx, q.Scope, from, to)
	if err != nil {
		return nil, fmt.Errorf("list log events: %w", err)
	}
	patients, err := s.patients.ListByCenter(ctx, q.Scope.CenterID)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	// An intervention is never older than its event's day, so reading from
	// the first day of the window covers every listed event.
	records, err := s.interventions.ListSince(ctx, q.Scope.CenterID, from)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}

	asm := s.assembler
	if q.Deviation != nil {
		p := asm.Policy()
		p.DeviationEnabled = *q.Deviation
		asm = asm.WithPolicy(p)
	}
	items, stats := asm.Assemble(events, IndexPatients(patients), IndexInterventions(records), q.Search)
	s.metrics.RecordAssembly(time.Since(start), stats.Surfaced, stats.Excluded())

	s.logger.Debug().
		Str("center_id", q.Scope.CenterID.String()).
		Int("days", days).
		Int("considered", stats.Considered).
		Int("surfaced", stats.Surfaced).
		Msg("triage inbox assembled")

	return &Inbox{
		Items:   items,
		Summary: Summarize(items),
		Window:  InboxWindow{From: from, To: to, Days: days},
	}, nil
}

// -- Lifecycle --

func (s *Service) MarkReviewed(ctx context.Context, scope Scope, eventID uuid.UUID) error {
	err := s.coordinator.MarkReviewed(ctx, scope, eventID)
	s.metrics.RecordLifecycle("mark_reviewed", outcome(err))
	return err
}

// InterventionInput is what a reviewer submits from the intervention form.
type InterventionInput struct {
	EventID uuid.UUID
	// PatientID is optional; when set it must own EventID.
	PatientID uuid.UUID
	RiskLevel RiskLevel
	Actions   []Action
	Note      *string
}

// RecordIntervention validates in, resolves the event's patient and counselor
// and runs the insert-then-review cascade. On *PartialCascadeFailure the returned
// record is the one that was saved.
func (s *Service) RecordIntervention(ctx context.Context, scope Scope, in InterventionInput) (*InterventionRecord, error) {
	rec, err := s.buildIntervention(ctx, scope, in)
	if err != nil {
		s.metrics.RecordLifecycle("record_intervention", outcome(err))
		return nil, err
	}

	err = s.coordinator.RecordIntervention(ctx, rec)
	s.metrics.RecordLifecycle("record_intervention", outcome(err))

	var partial *PartialCascadeFailure
	switch {
	case err == nil:
		return rec, nil
	case errors.As(err, &partial):
		s.logger.Error().Err(partial.Err).
			Str("intervention_id", rec.ID.String()).
			Str("event_id", in.EventID.String()).
			Msg("intervention saved but event review flag not set")
		return rec, err
	default:
		return nil, err
	}
}

func (s *Service) buildIntervention(ctx context.Context, scope Scope, in InterventionInput) (*InterventionRecord, error) {
	if scope.CenterID == uuid.Nil {
		return nil, ErrCenterRequired
	}
	if in.EventID == uuid.Nil {
		return nil, ErrEventNotFound
	}
	if !in.RiskLevel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRiskLevel, in.RiskLevel)
	}

	now := s.now().UTC()
	actions := make([]Action, 0, len(in.Actions))
	for _, a := range in.Actions {
		preset, ok := s.catalog.Lookup(a.Code)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a.Code)
		}
		if a.Label == "" {
			a.Label = preset.Label
		}
		if a.At.IsZero() {
			a.At = now
		}
		actions = append(actions, a)
	}

	ev, err := s.logs.GetEvent(ctx, scope, in.EventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load log event: %w", err)
	}
	if in.PatientID != uuid.Nil && in.PatientID != ev.PatientID {
		return nil, ErrPatientMismatch
	}

	patient, err := s.patients.GetByID(ctx, scope.CenterID, ev.PatientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if scope.CounselorID != nil && patient.CounselorID != *scope.CounselorID {
		return nil, ErrPatientNotFound
	}

	eventID := in.EventID
	return &InterventionRecord{
		CenterID:     scope.CenterID,
		PatientID:    patient.ID,
		CounselorID:  patient.CounselorID,
		RelatedLogID: &eventID,
		RiskLevel:    in.RiskLevel,
		ActionsTaken: actions,
		Note:         normalizeNote(in.Note),
		CreatedAt:    now,
	}, nil
}

func normalizeNote(note *string) *string {
	if note == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*note)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func outcome(err error) string {
	var partial *PartialCascadeFailure
	var write *WriteFailure
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &partial):
		return OutcomePartialCascade
	case errors.As(err, &write):
		return OutcomeWriteFailure
	case errors.Is(err, ErrEventNotFound), errors.Is(err, ErrPatientNotFound):
		return OutcomeNotFound
	default:
		return OutcomeInvalid
	}
}

// -- History --

func (s *Service) EventInterventions(ctx context.Context, scope Scope, eventID uuid.UUID) ([]*InterventionRecord, error) {
	if scope.CenterID == uuid.Nil {
		return nil, ErrCenterRequired
	}
	return s.interventions.ListByEvent(ctx, scope.CenterID, eventID)
}

func (s *Service) ListInterventions(ctx context.Context, scope Scope, limit, offset int) ([]*InterventionRecord, int, error) {
	if scope.CenterID == uuid.Nil {
		return nil, 0, ErrCenterRequired
	}
	return s.interventions.List(ctx, scope, limit, offset)
}

func (s *Service) Actions() []ActionPreset {
	return s.catalog.Presets()
}
