package triage

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Assembler turns raw store reads into the ranked inbox. It holds no state
// between calls; every inbox load runs it from scratch.
type Assembler struct {
	policy Policy
	logger zerolog.Logger
}

func NewAssembler(policy Policy, logger zerolog.Logger) *Assembler {
	return &Assembler{policy: policy, logger: logger}
}

// WithPolicy returns an assembler that classifies with p.
func (a *Assembler) WithPolicy(p Policy) *Assembler {
	return &Assembler{policy: p, logger: a.logger}
}

func (a *Assembler) Policy() Policy { return a.policy }

// AssemblyStats accounts for every input event of one pass.
type AssemblyStats struct {
	Considered    int
	Surfaced      int
	Malformed     int
	Unresolved    int
	NotRiskWorthy int
	FilteredOut   int
}

// Excluded breaks down dropped events by reason, for metrics.
func (s AssemblyStats) Excluded() map[string]int {
	return map[string]int{
		"malformed":          s.Malformed,
		"unresolved_patient": s.Unresolved,
		"not_risk_worthy":    s.NotRiskWorthy,
		"search_filtered":    s.FilteredOut,
	}
}

// Assemble builds triage items from events, ordered by score descending.
// Items with equal scores keep the order of events. search, when non-empty,
// keeps only patients whose name contains it, ignoring case.
func (a *Assembler) Assemble(
	events []*LogEvent,
	patients map[uuid.UUID]*Patient,
	interventions map[uuid.UUID][]*InterventionRecord,
	search string,
) ([]*TriageItem, AssemblyStats) {
	stats := AssemblyStats{Considered: len(events)}

	valid := make([]*LogEvent, 0, len(events))
	byPatient := make(map[uuid.UUID][]*LogEvent)
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			stats.Malformed++
			evt := a.logger.Warn().Err(err)
			if ev != nil {
				evt = evt.Str("event_id", ev.ID.String())
			}
			evt.Msg("skipping malformed log event")
			continue
		}
		valid = append(valid, ev)
		byPatient[ev.PatientID] = append(byPatient[ev.PatientID], ev)
	}

	windows := make(map[uuid.UUID]Window, len(byPatient))
	if a.policy.DeviationEnabled {
		for pid, evs := range byPatient {
			windows[pid] = NewWindow(evs)
		}
	}

	needle := strings.ToLower(strings.TrimSpace(search))

	items := make([]*TriageItem, 0, len(valid))
	for _, ev := range valid {
		p, ok := patients[ev.PatientID]
		if !ok || p == nil {
			stats.Unresolved++
			a.logger.Debug().
				Str("event_id", ev.ID.String()).
				Str("patient_id", ev.PatientID.String()).
				Msg("log event references unknown patient")
			continue
		}

		cls := a.policy.Classify(ev, windows[ev.PatientID])
		if !cls.RiskWorthy {
			stats.NotRiskWorthy++
			continue
		}

		latest := LatestIntervention(interventions[ev.ID])
		item := &TriageItem{
			Patient:                p,
			Event:                  ev,
			Reasons:                cls.Reasons,
			Score:                  Score(ev, cls.Reasons, latest != nil),
			HasIntervention:        latest != nil,
			MostRecentIntervention: latest,
			SuggestedRiskLevel:     SuggestRiskLevel(ev),
		}

		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			stats.FilteredOut++
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})

	stats.Surfaced = len(items)
	return items, stats
}

// Summarize counts the inbox headline figures over items.
func Summarize(items []*TriageItem) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		if !it.Event.Reviewed {
			s.Unreviewed++
		}
		if !it.HasIntervention {
			s.NeedsIntervention++
		}
		if it.Event.IsEmergency {
			s.Emergency++
		}
	}
	return s
}

// IndexPatients keys patients by id.
func IndexPatients(patients []*Patient) map[uuid.UUID]*Patient {
	m := make(map[uuid.UUID]*Patient, len(patients))
	for _, p := range patients {
		m[p.ID] = p
	}
	return m
}

// IndexInterventions groups records by the event they reference. Records
// logged without an event are left out.
func IndexInterventions(records []*InterventionRecord) map[uuid.UUID][]*InterventionRecord {
	m := make(map[uuid.UUID][]*InterventionRecord)
	for _, r := range records {
		if r.RelatedLogID == nil {
			continue
		}
		m[*r.RelatedLogID] = append(m[*r.RelatedLogID], r)
	}
	return m
}

// LatestIntervention picks the record with the greatest CreatedAt. Equal
// timestamps fall back to the larger id so the choice does not depend on
// input order.
func LatestIntervention(records []*InterventionRecord) *InterventionRecord {
	var latest *InterventionRecord
	for _, r := range records {
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) ||
			(r.CreatedAt.Equal(latest.CreatedAt) && r.ID.String() > latest.ID.String()) {
			latest = r
		}
	}
	return latest
}
