package triage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindlog/triage/internal/platform/db"
)

// -- Mock Repositories --

type mockLogStore struct {
	mu        sync.Mutex
	centers   map[uuid.UUID]uuid.UUID // event -> center
	events    []*LogEvent
	reviewErr error
	listErr   error
	sets      int
}

func newMockLogStore() *mockLogStore {
	return &mockLogStore{centers: make(map[uuid.UUID]uuid.UUID)}
}

func (m *mockLogStore) add(center uuid.UUID, ev *LogEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.centers[ev.ID] = center
	m.events = append(m.events, ev)
}

func (m *mockLogStore) get(id uuid.UUID) *LogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == id {
			cp := *ev
			return &cp
		}
	}
	return nil
}

func (m *mockLogStore) ListEvents(_ context.Context, scope Scope, from, to time.Time) ([]*LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*LogEvent
	for _, ev := range m.events {
		if !m.inScope(ev, scope) {
			continue
		}
		if ev.LogDate.Before(from) || ev.LogDate.After(to) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// inScope reports whether ev is visible under scope. Callers hold m.mu.
func (m *mockLogStore) inScope(ev *LogEvent, scope Scope) bool {
	if m.centers[ev.ID] != scope.CenterID {
		return false
	}
	return scope.CounselorID == nil || ev.CounselorID == *scope.CounselorID
}

func (m *mockLogStore) GetEvent(_ context.Context, scope Scope, eventID uuid.UUID) (*LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ID == eventID && m.inScope(ev, scope) {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, ErrEventNotFound
}

func (m *mockLogStore) SetReviewed(_ context.Context, scope Scope, eventID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.reviewErr != nil {
		return m.reviewErr
	}
	for _, ev := range m.events {
		if ev.ID == eventID && m.inScope(ev, scope) {
			ev.Reviewed = true
			return nil
		}
	}
	return ErrEventNotFound
}

type mockInterventionStore struct {
	mu        sync.Mutex
	records   []*InterventionRecord
	insertErr error
}

func newMockInterventionStore() *mockInterventionStore {
	return &mockInterventionStore{}
}

func (m *mockInterventionStore) Insert(_ context.Context, r *InterventionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *mockInterventionStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockInterventionStore) truncate(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = m.records[:n]
}

func (m *mockInterventionStore) ListSince(_ context.Context, centerID uuid.UUID, createdAfter time.Time) ([]*InterventionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InterventionRecord
	for _, r := range m.records {
		if r.CenterID == centerID && !r.CreatedAt.Before(createdAfter) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockInterventionStore) ListByEvent(_ context.Context, centerID, eventID uuid.UUID) ([]*InterventionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InterventionRecord
	for _, r := range m.records {
		if r.CenterID == centerID && r.RelatedLogID != nil && *r.RelatedLogID == eventID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockInterventionStore) List(_ context.Context, scope Scope, limit, offset int) ([]*InterventionRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InterventionRecord
	for _, r := range m.records {
		if r.CenterID != scope.CenterID {
			continue
		}
		if scope.CounselorID != nil && r.CounselorID != *scope.CounselorID {
			continue
		}
		out = append(out, r)
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

type mockPatientDirectory struct {
	patients map[uuid.UUID]*Patient
}

func newMockPatientDirectory() *mockPatientDirectory {
	return &mockPatientDirectory{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientDirectory) ListByCenter(_ context.Context, centerID uuid.UUID) ([]*Patient, error) {
	var out []*Patient
	for _, p := range m.patients {
		if p.CenterID != nil && *p.CenterID == centerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPatientDirectory) GetByID(_ context.Context, centerID, patientID uuid.UUID) (*Patient, error) {
	p, ok := m.patients[patientID]
	if !ok || p.CenterID == nil || *p.CenterID != centerID {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

// fakeTransactor rolls back intervention inserts when fn fails.
type fakeTransactor struct {
	interventions *mockInterventionStore
}

func (f *fakeTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	n := f.interventions.count()
	if err := fn(ctx); err != nil {
		f.interventions.truncate(n)
		return err
	}
	return nil
}

type recordedLifecycle struct{ op, outcome string }

type fakeRecorder struct {
	mu         sync.Mutex
	assemblies int
	lifecycle  []recordedLifecycle
}

func (f *fakeRecorder) RecordAssembly(time.Duration, int, map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assemblies++
}

func (f *fakeRecorder) RecordLifecycle(op, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycle = append(f.lifecycle, recordedLifecycle{op, outcome})
}

// -- Fixture --

var testNow = time.Date(2024, 5, 20, 9, 30, 0, 0, time.UTC)

type fixture struct {
	center        uuid.UUID
	counselor     uuid.UUID
	logs          *mockLogStore
	interventions *mockInterventionStore
	patients      *mockPatientDirectory
	metrics       *fakeRecorder
	svc           *Service
}

func newFixture(atomic bool) *fixture {
	f := &fixture{
		center:        uuid.New(),
		counselor:     uuid.New(),
		logs:          newMockLogStore(),
		interventions: newMockInterventionStore(),
		patients:      newMockPatientDirectory(),
		metrics:       &fakeRecorder{},
	}
	var tx db.Transactor
	if atomic {
		tx = &fakeTransactor{interventions: f.interventions}
	}
	coord := NewCoordinator(f.logs, f.interventions, tx)
	f.svc = NewService(f.logs, f.interventions, f.patients, coord, Options{Metrics: f.metrics}, zerolog.Nop())
	f.svc.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) scope() Scope { return Scope{CenterID: f.center} }

func (f *fixture) addPatient(name string) *Patient {
	center := f.center
	p := &Patient{ID: uuid.New(), Name: name, CounselorID: f.counselor, CenterID: &center}
	f.patients.patients[p.ID] = p
	return p
}

func (f *fixture) addEvent(p *Patient, daysAgo int, mutate func(*LogEvent)) *LogEvent {
	day := time.Date(testNow.Year(), testNow.Month(), testNow.Day(), 0, 0, 0, 0, time.UTC)
	ev := &LogEvent{
		ID:          uuid.New(),
		PatientID:   p.ID,
		CounselorID: p.CounselorID,
		LogDate:     day.AddDate(0, 0, -daysAgo),
		Intensity:   5,
		CreatedAt:   testNow.Add(-time.Duration(daysAgo) * 24 * time.Hour),
	}
	if mutate != nil {
		mutate(ev)
	}
	f.logs.add(f.center, ev)
	return ev
}

func (f *fixture) inbox(t *testing.T, q InboxQuery) *Inbox {
	t.Helper()
	q.Scope = f.scope()
	inbox, err := f.svc.Inbox(context.Background(), q)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	return inbox
}

func (f *fixture) itemFor(t *testing.T, eventID uuid.UUID) *TriageItem {
	t.Helper()
	for _, it := range f.inbox(t, InboxQuery{}).Items {
		if it.Event.ID == eventID {
			return it
		}
	}
	t.Fatalf("event %s not in inbox", eventID)
	return nil
}

func interventionFor(ev *LogEvent) InterventionInput {
	return InterventionInput{
		EventID:   ev.ID,
		PatientID: ev.PatientID,
		RiskLevel: RiskHigh,
		Actions:   []Action{{Code: "CONTACT_ATTEMPT"}},
	}
}

// -- Inbox --

func TestService_Inbox_HighIntensity(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 1, func(e *LogEvent) { e.Intensity = 9 })

	it := f.itemFor(t, ev.ID)
	if it.Reasons != NewReasonSet(ReasonHighIntensity) {
		t.Errorf("expected {HIGH_INTENSITY}, got %v", it.Reasons.Codes())
	}
	if it.Score != 65 {
		t.Errorf("expected score 65, got %d", it.Score)
	}
	if it.SuggestedRiskLevel != RiskHigh {
		t.Errorf("expected suggested HIGH, got %s", it.SuggestedRiskLevel)
	}
}

func TestService_Inbox_EmergencyThenIntervention(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) {
		e.Intensity = 3
		e.IsEmergency = true
		e.DetectedKeywords = []string{"self-harm"}
	})

	inbox := f.inbox(t, InboxQuery{})
	if len(inbox.Items) != 1 || inbox.Items[0].Score != 145 {
		t.Fatalf("expected one item scoring 145, got %+v", inbox.Items)
	}
	if inbox.Summary.NeedsIntervention != 1 || inbox.Summary.Emergency != 1 || inbox.Summary.Unreviewed != 1 {
		t.Errorf("unexpected summary %+v", inbox.Summary)
	}

	if _, err := f.svc.RecordIntervention(context.Background(), f.scope(), interventionFor(ev)); err != nil {
		t.Fatalf("RecordIntervention: %v", err)
	}

	inbox = f.inbox(t, InboxQuery{})
	it := inbox.Items[0]
	if it.Score != 120 {
		t.Errorf("expected score 120 after intervention, got %d", it.Score)
	}
	if !it.State().Resolved() {
		t.Errorf("expected (true,true), got %+v", it.State())
	}
	if inbox.Summary.NeedsIntervention != 0 || inbox.Summary.Unreviewed != 0 {
		t.Errorf("unexpected summary %+v", inbox.Summary)
	}
}

func TestService_Inbox_UnknownPatientExcluded(t *testing.T) {
	f := newFixture(true)
	known := f.addPatient("Known")
	f.addEvent(known, 0, func(e *LogEvent) { e.Intensity = 9 })

	ghost := &Patient{ID: uuid.New(), CounselorID: f.counselor}
	f.addEvent(ghost, 0, func(e *LogEvent) { e.IsEmergency = true })

	inbox := f.inbox(t, InboxQuery{})
	if inbox.Summary.Total != 1 {
		t.Errorf("expected total 1, got %d", inbox.Summary.Total)
	}
	if inbox.Summary.Emergency != 0 {
		t.Errorf("orphan emergency must not be counted, got %d", inbox.Summary.Emergency)
	}
}

func TestService_Inbox_Lookback(t *testing.T) {
	f := newFixture(true)
	p := f.addPatient("Dana")
	recent := f.addEvent(p, 3, func(e *LogEvent) { e.Intensity = 9 })
	old := f.addEvent(p, 20, func(e *LogEvent) { e.Intensity = 9 })

	inbox := f.inbox(t, InboxQuery{})
	if inbox.Window.Days != 14 {
		t.Errorf("expected default 14 days, got %d", inbox.Window.Days)
	}
	if len(inbox.Items) != 1 || inbox.Items[0].Event.ID != recent.ID {
		t.Errorf("expected only the recent event")
	}

	inbox = f.inbox(t, InboxQuery{Days: 30})
	if len(inbox.Items) != 2 || inbox.Items[1].Event.ID != old.ID {
		t.Errorf("expected both events in a 30 day window, got %d", len(inbox.Items))
	}

	inbox = f.inbox(t, InboxQuery{Days: 1000})
	if inbox.Window.Days != 90 {
		t.Errorf("expected clamp to 90, got %d", inbox.Window.Days)
	}
	inbox = f.inbox(t, InboxQuery{Days: -5})
	if inbox.Window.Days != 1 {
		t.Errorf("expected clamp to 1, got %d", inbox.Window.Days)
	}
	if !inbox.Window.To.Equal(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected window end %s", inbox.Window.To)
	}
}

func TestService_Inbox_InterventionOnOldestDay(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 14, func(e *LogEvent) {
		e.Intensity = 9
		e.Reviewed = true
	})
	eventID := ev.ID
	// Created earlier in the day than now minus 14 days.
	f.interventions.records = append(f.interventions.records, &InterventionRecord{
		ID:           uuid.New(),
		CenterID:     f.center,
		PatientID:    ev.PatientID,
		RelatedLogID: &eventID,
		RiskLevel:    RiskModerate,
		CreatedAt:    ev.LogDate.Add(time.Hour),
	})

	it := f.itemFor(t, ev.ID)
	if !it.HasIntervention {
		t.Fatal("expected the intervention to be found")
	}
	if it.Score != 40 {
		t.Errorf("expected score 40, got %d", it.Score)
	}
	if n := f.inbox(t, InboxQuery{}).Summary.NeedsIntervention; n != 0 {
		t.Errorf("expected needs_intervention 0, got %d", n)
	}
}

func TestService_Inbox_DeviationOverride(t *testing.T) {
	f := newFixture(true)
	p := f.addPatient("Dana")
	for i := 1; i <= 4; i++ {
		f.addEvent(p, i, func(e *LogEvent) { e.Intensity = 2 })
	}
	spike := f.addEvent(p, 0, func(e *LogEvent) { e.Intensity = 6 })

	if n := len(f.inbox(t, InboxQuery{}).Items); n != 0 {
		t.Fatalf("deviation is off by default, got %d items", n)
	}
	on := true
	items := f.inbox(t, InboxQuery{Deviation: &on}).Items
	if len(items) != 1 || items[0].Event.ID != spike.ID {
		t.Fatalf("expected the spike with deviation on, got %d items", len(items))
	}
}

func TestService_Inbox_SearchAndCounselorScope(t *testing.T) {
	f := newFixture(true)
	mine := f.addPatient("Minji Kim")
	f.addEvent(mine, 0, func(e *LogEvent) { e.Intensity = 9 })

	center := f.center
	other := &Patient{ID: uuid.New(), Name: "Kim Other", CounselorID: uuid.New(), CenterID: &center}
	f.patients.patients[other.ID] = other
	f.addEvent(other, 0, func(e *LogEvent) { e.Intensity = 9 })

	if n := len(f.inbox(t, InboxQuery{Search: "KIM"}).Items); n != 2 {
		t.Errorf("center scope: expected 2, got %d", n)
	}

	counselor := f.counselor
	inbox, err := f.svc.Inbox(context.Background(), InboxQuery{
		Scope:  Scope{CenterID: f.center, CounselorID: &counselor},
		Search: "kim",
	})
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox.Items) != 1 || inbox.Items[0].Patient.ID != mine.ID {
		t.Errorf("counselor scope: expected only own patient")
	}
}

func TestService_Inbox_Errors(t *testing.T) {
	f := newFixture(true)
	if _, err := f.svc.Inbox(context.Background(), InboxQuery{}); !errors.Is(err, ErrCenterRequired) {
		t.Errorf("expected ErrCenterRequired, got %v", err)
	}

	f.logs.listErr = errors.New("connection refused")
	if _, err := f.svc.Inbox(context.Background(), InboxQuery{Scope: f.scope()}); err == nil {
		t.Error("expected store failure to surface")
	}
}

func TestService_Inbox_RecordsMetrics(t *testing.T) {
	f := newFixture(true)
	f.inbox(t, InboxQuery{})
	if f.metrics.assemblies != 1 {
		t.Errorf("expected 1 assembly recorded, got %d", f.metrics.assemblies)
	}
}

// -- Lifecycle --

func TestService_MarkReviewed_Idempotent(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })

	for i := 0; i < 2; i++ {
		if err := f.svc.MarkReviewed(context.Background(), f.scope(), ev.ID); err != nil {
			t.Fatalf("MarkReviewed #%d: %v", i+1, err)
		}
		if !f.logs.get(ev.ID).Reviewed {
			t.Fatalf("expected reviewed after call #%d", i+1)
		}
	}
	if st := f.itemFor(t, ev.ID).State(); st != (ReviewState{Reviewed: true}) {
		t.Errorf("expected (true,false), got %+v", st)
	}
}

func TestService_MarkReviewed_Failure(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
	f.logs.reviewErr = errors.New("timeout")

	err := f.svc.MarkReviewed(context.Background(), f.scope(), ev.ID)
	var wf *WriteFailure
	if !errors.As(err, &wf) {
		t.Fatalf("expected WriteFailure, got %v", err)
	}
	if f.logs.get(ev.ID).Reviewed {
		t.Error("reviewed must not flip on failure")
	}
	if got := f.metrics.lifecycle[0]; got != (recordedLifecycle{"mark_reviewed", OutcomeWriteFailure}) {
		t.Errorf("unexpected metric %+v", got)
	}
}

func TestService_MarkReviewed_NotFound(t *testing.T) {
	f := newFixture(true)
	err := f.svc.MarkReviewed(context.Background(), f.scope(), uuid.New())
	if !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}

func TestService_MarkReviewed_OtherCounselorsPatient(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
	stranger := uuid.New()

	err := f.svc.MarkReviewed(context.Background(), Scope{CenterID: f.center, CounselorID: &stranger}, ev.ID)
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if f.logs.get(ev.ID).Reviewed {
		t.Error("another counselor's event must stay unreviewed")
	}

	counselor := f.counselor
	if err := f.svc.MarkReviewed(context.Background(), Scope{CenterID: f.center, CounselorID: &counselor}, ev.ID); err != nil {
		t.Fatalf("own patient: %v", err)
	}
	if !f.logs.get(ev.ID).Reviewed {
		t.Error("expected own patient's event reviewed")
	}
}

func TestService_RecordIntervention_FillsRecord(t *testing.T) {
	f := newFixture(true)
	p := f.addPatient("Dana")
	ev := f.addEvent(p, 0, func(e *LogEvent) { e.Intensity = 9 })

	note := "  called, no answer  "
	at := testNow.Add(-time.Hour)
	in := interventionFor(ev)
	in.Note = &note
	in.Actions = []Action{{Code: "CONTACT_ATTEMPT", At: at}, {Code: "SAFETY_PLAN", Label: "Custom"}}

	rec, err := f.svc.RecordIntervention(context.Background(), f.scope(), in)
	if err != nil {
		t.Fatalf("RecordIntervention: %v", err)
	}
	if rec.CenterID != f.center {
		t.Errorf("expected center %s, got %s", f.center, rec.CenterID)
	}
	if rec.CounselorID != p.CounselorID {
		t.Errorf("expected patient's counselor")
	}
	if rec.RelatedLogID == nil || *rec.RelatedLogID != ev.ID {
		t.Errorf("expected related log id %s", ev.ID)
	}
	if rec.Note == nil || *rec.Note != "called, no answer" {
		t.Errorf("expected trimmed note, got %v", rec.Note)
	}
	if rec.ActionsTaken[0].Label != "Contact attempt" || !rec.ActionsTaken[0].At.Equal(at) {
		t.Errorf("unexpected first action %+v", rec.ActionsTaken[0])
	}
	if rec.ActionsTaken[1].Label != "Custom" || !rec.ActionsTaken[1].At.Equal(testNow) {
		t.Errorf("unexpected second action %+v", rec.ActionsTaken[1])
	}
	if !rec.CreatedAt.Equal(testNow) {
		t.Errorf("expected created_at %s, got %s", testNow, rec.CreatedAt)
	}
	if !f.logs.get(ev.ID).Reviewed {
		t.Error("expected cascade to mark the event reviewed")
	}
}

func TestService_RecordIntervention_BlankNoteAndNoActions(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
	blank := "   "
	in := interventionFor(ev)
	in.Note = &blank
	in.Actions = nil

	rec, err := f.svc.RecordIntervention(context.Background(), f.scope(), in)
	if err != nil {
		t.Fatalf("RecordIntervention: %v", err)
	}
	if rec.Note != nil {
		t.Errorf("expected nil note, got %q", *rec.Note)
	}
	if rec.ActionsTaken == nil || len(rec.ActionsTaken) != 0 {
		t.Errorf("expected empty non-nil actions, got %v", rec.ActionsTaken)
	}
}

func TestService_RecordIntervention_Validation(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
	otherCounselor := uuid.New()

	tests := []struct {
		name   string
		scope  Scope
		mutate func(*InterventionInput)
		want   error
	}{
		{"no center", Scope{}, func(*InterventionInput) {}, ErrCenterRequired},
		{"bad risk", f.scope(), func(in *InterventionInput) { in.RiskLevel = "SEVERE" }, ErrInvalidRiskLevel},
		{"unknown action", f.scope(), func(in *InterventionInput) { in.Actions = []Action{{Code: "HUG"}} }, ErrUnknownAction},
		{"foreign patient", f.scope(), func(in *InterventionInput) { in.PatientID = uuid.New() }, ErrPatientMismatch},
		{"other counselor", Scope{CenterID: f.center, CounselorID: &otherCounselor}, func(*InterventionInput) {}, ErrEventNotFound},
		{"unknown event", f.scope(), func(in *InterventionInput) { in.EventID = uuid.New() }, ErrEventNotFound},
		{"no event", f.scope(), func(in *InterventionInput) { in.EventID = uuid.Nil }, ErrEventNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := interventionFor(ev)
			tt.mutate(&in)
			_, err := f.svc.RecordIntervention(context.Background(), tt.scope, in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := f.interventions.count(); n != 0 {
		t.Errorf("expected no records written, got %d", n)
	}
	if f.logs.get(ev.ID).Reviewed {
		t.Error("event must stay unreviewed")
	}
}

func TestService_RecordIntervention_EventMustBelongToPatient(t *testing.T) {
	f := newFixture(true)
	bob := f.addPatient("Bob")
	center := f.center
	alice := &Patient{ID: uuid.New(), Name: "Alice", CounselorID: uuid.New(), CenterID: &center}
	f.patients.patients[alice.ID] = alice
	aliceEvent := f.addEvent(alice, 0, func(e *LogEvent) { e.IsEmergency = true })

	counselor := f.counselor
	own := Scope{CenterID: f.center, CounselorID: &counselor}
	in := interventionFor(aliceEvent)
	in.PatientID = bob.ID

	if _, err := f.svc.RecordIntervention(context.Background(), own, in); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("counselor scope: expected ErrEventNotFound, got %v", err)
	}
	if _, err := f.svc.RecordIntervention(context.Background(), f.scope(), in); !errors.Is(err, ErrPatientMismatch) {
		t.Errorf("center scope: expected ErrPatientMismatch, got %v", err)
	}
	if n := f.interventions.count(); n != 0 {
		t.Errorf("expected no records written, got %d", n)
	}
	if f.logs.get(aliceEvent.ID).Reviewed {
		t.Error("Alice's event must stay unreviewed")
	}
}

func TestService_RecordIntervention_PatientTakenFromEvent(t *testing.T) {
	f := newFixture(true)
	p := f.addPatient("Dana")
	ev := f.addEvent(p, 0, func(e *LogEvent) { e.Intensity = 9 })
	in := interventionFor(ev)
	in.PatientID = uuid.Nil

	rec, err := f.svc.RecordIntervention(context.Background(), f.scope(), in)
	if err != nil {
		t.Fatalf("RecordIntervention: %v", err)
	}
	if rec.PatientID != p.ID || rec.CounselorID != p.CounselorID {
		t.Errorf("expected the event's patient and counselor, got %s/%s", rec.PatientID, rec.CounselorID)
	}
}

func TestService_RecordIntervention_ForeignCenterEvent(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		f := newFixture(atomic)
		p := f.addPatient("Dana")
		foreign := &LogEvent{ID: uuid.New(), PatientID: p.ID, CounselorID: p.CounselorID, LogDate: testNow, Intensity: 9}
		f.logs.add(uuid.New(), foreign)

		in := interventionFor(foreign)
		_, err := f.svc.RecordIntervention(context.Background(), f.scope(), in)
		if !errors.Is(err, ErrEventNotFound) {
			t.Fatalf("atomic=%v: expected ErrEventNotFound, got %v", atomic, err)
		}
		var partial *PartialCascadeFailure
		if errors.As(err, &partial) {
			t.Errorf("atomic=%v: must not report a partial cascade", atomic)
		}
		if n := f.interventions.count(); n != 0 {
			t.Errorf("atomic=%v: expected no records written, got %d", atomic, n)
		}
		if f.logs.sets != 0 {
			t.Errorf("atomic=%v: review write must not run", atomic)
		}
	}
}

func TestService_RecordIntervention_InsertFails(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		f := newFixture(atomic)
		ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
		f.interventions.insertErr = errors.New("constraint violation")

		_, err := f.svc.RecordIntervention(context.Background(), f.scope(), interventionFor(ev))
		var wf *WriteFailure
		if !errors.As(err, &wf) {
			t.Fatalf("atomic=%v: expected WriteFailure, got %v", atomic, err)
		}
		if f.logs.sets != 0 {
			t.Errorf("atomic=%v: review write must not run after a failed insert", atomic)
		}
		if f.logs.get(ev.ID).Reviewed {
			t.Errorf("atomic=%v: event must stay unreviewed", atomic)
		}
	}
}

func TestService_RecordIntervention_AtomicRollsBack(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
	f.logs.reviewErr = errors.New("deadlock detected")

	_, err := f.svc.RecordIntervention(context.Background(), f.scope(), interventionFor(ev))
	var wf *WriteFailure
	if !errors.As(err, &wf) {
		t.Fatalf("expected WriteFailure, got %v", err)
	}
	if n := f.interventions.count(); n != 0 {
		t.Errorf("expected insert rolled back, got %d records", n)
	}
}

func TestService_RecordIntervention_PartialCascade(t *testing.T) {
	f := newFixture(false)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
	f.logs.reviewErr = errors.New("timeout")

	rec, err := f.svc.RecordIntervention(context.Background(), f.scope(), interventionFor(ev))
	var partial *PartialCascadeFailure
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialCascadeFailure, got %v", err)
	}
	if rec == nil || partial.Intervention.ID != rec.ID {
		t.Fatal("expected the saved record to be returned")
	}

	it := f.itemFor(t, ev.ID)
	if !it.State().Inconsistent() {
		t.Errorf("expected (false,true), got %+v", it.State())
	}

	// A retry is allowed and adds a second record.
	f.logs.mu.Lock()
	f.logs.reviewErr = nil
	f.logs.mu.Unlock()
	if _, err := f.svc.RecordIntervention(context.Background(), f.scope(), interventionFor(ev)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := f.interventions.count(); n != 2 {
		t.Errorf("expected 2 records, got %d", n)
	}
	if !f.itemFor(t, ev.ID).State().Resolved() {
		t.Error("expected (true,true) after retry")
	}
	if got := f.metrics.lifecycle[0].outcome; got != OutcomePartialCascade {
		t.Errorf("expected partial_cascade metric, got %s", got)
	}
}

func TestService_RecordIntervention_Concurrent(t *testing.T) {
	f := newFixture(false)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordIntervention(context.Background(), f.scope(), interventionFor(ev))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent RecordIntervention: %v", err)
		}
	}

	history, err := f.svc.EventInterventions(context.Background(), f.scope(), ev.ID)
	if err != nil {
		t.Fatalf("EventInterventions: %v", err)
	}
	if len(history) != n {
		t.Fatalf("expected %d records, got %d", n, len(history))
	}
	it := f.itemFor(t, ev.ID)
	if latest := LatestIntervention(history); it.MostRecentIntervention.ID != latest.ID {
		t.Errorf("expected latest %s, got %s", latest.ID, it.MostRecentIntervention.ID)
	}
	if !it.State().Resolved() {
		t.Errorf("expected (true,true), got %+v", it.State())
	}
}

// -- History --

func TestService_ListInterventions(t *testing.T) {
	f := newFixture(true)
	ev := f.addEvent(f.addPatient("Dana"), 0, func(e *LogEvent) { e.Intensity = 9 })
	for i := 0; i < 3; i++ {
		if _, err := f.svc.RecordIntervention(context.Background(), f.scope(), interventionFor(ev)); err != nil {
			t.Fatalf("RecordIntervention: %v", err)
		}
	}
	items, total, err := f.svc.ListInterventions(context.Background(), f.scope(), 2, 0)
	if err != nil {
		t.Fatalf("ListInterventions: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if _, _, err := f.svc.ListInterventions(context.Background(), Scope{}, 10, 0); !errors.Is(err, ErrCenterRequired) {
		t.Errorf("expected ErrCenterRequired, got %v", err)
	}
}

func TestService_Actions(t *testing.T) {
	f := newFixture(true)
	if n := len(f.svc.Actions()); n != 7 {
		t.Errorf("expected 7 default presets, got %d", n)
	}
}
