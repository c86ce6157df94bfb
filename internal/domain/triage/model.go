package triage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogEvent maps to the patient_logs table: one self-report per patient per day.
type LogEvent struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	CounselorID      uuid.UUID `db:"counselor_id" json:"counselor_id"`
	LogDate          time.Time `db:"log_date" json:"log_date"`
	Emotion          string    `db:"emotion" json:"emotion"`
	Trigger          string    `db:"trigger" json:"trigger"`
	Intensity        int       `db:"intensity" json:"intensity"`
	SleepHours       *float64  `db:"sleep_hours" json:"sleep_hours,omitempty"`
	TookMedication   *bool     `db:"took_meds" json:"took_meds,omitempty"`
	Memo             *string   `db:"memo" json:"memo,omitempty"`
	DetectedKeywords []string  `db:"detected_keywords" json:"detected_keywords"`
	IsEmergency      bool      `db:"is_emergency" json:"is_emergency"`
	Reviewed         bool      `db:"is_reviewed" json:"is_reviewed"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Validate rejects events that cannot be classified. The inbox skips such
// events instead of failing the whole assembly.
func (e *LogEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if e.PatientID == uuid.Nil {
		return fmt.Errorf("%w: missing patient_id", ErrMalformedEvent)
	}
	if e.Intensity < 1 || e.Intensity > 10 {
		return fmt.Errorf("%w: intensity %d outside 1-10", ErrMalformedEvent, e.Intensity)
	}
	if e.SleepHours != nil && (*e.SleepHours < 0 || *e.SleepHours > 24) {
		return fmt.Errorf("%w: sleep_hours %.1f outside 0-24", ErrMalformedEvent, *e.SleepHours)
	}
	return nil
}

// Patient is the directory record joined into triage items. It is never
// written by this package.
type Patient struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	CounselorID      uuid.UUID  `db:"counselor_id" json:"counselor_id"`
	CenterID         *uuid.UUID `db:"center_id" json:"center_id,omitempty"`
	CurrentRiskLevel string     `db:"current_risk_level" json:"current_risk_level"`
	NextSessionDate  *time.Time `db:"next_session_date" json:"next_session_date,omitempty"`
}

// RiskLevel is the ordinal a reviewer assigns when documenting an intervention.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
	RiskImminent RiskLevel = "IMMINENT"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskModerate: 2,
	RiskHigh:     3,
	RiskImminent: 4,
}

// Rank orders risk levels LOW < MODERATE < HIGH < IMMINENT. Unknown levels rank 0.
func (l RiskLevel) Rank() int { return riskRank[l] }

func (l RiskLevel) Valid() bool { return l.Rank() > 0 }

// Action is one step recorded on an intervention.
type Action struct {
	Code  string    `json:"code"`
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// InterventionRecord maps to the append-only intervention_logs table.
// Several records may point at the same log event.
type InterventionRecord struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	CenterID     uuid.UUID  `db:"center_id" json:"center_id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	CounselorID  uuid.UUID  `db:"counselor_id" json:"counselor_id"`
	RelatedLogID *uuid.UUID `db:"related_log_id" json:"related_log_id,omitempty"`
	RiskLevel    RiskLevel  `db:"risk_level" json:"risk_level"`
	ActionsTaken []Action   `db:"actions_taken" json:"actions_taken"`
	Note         *string    `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// ReasonCode names one rule of the risk classifier.
type ReasonCode string

const (
	ReasonEmergency     ReasonCode = "EMERGENCY"
	ReasonKeywords      ReasonCode = "KEYWORDS"
	ReasonHighIntensity ReasonCode = "HIGH_INTENSITY"
	ReasonDeviation     ReasonCode = "DEVIATION"
)

// ReasonSet is a set of reason codes.
type ReasonSet uint8

const (
	reasonEmergencyBit ReasonSet = 1 << iota
	reasonKeywordsBit
	reasonHighIntensityBit
	reasonDeviationBit
)

var reasonOrder = []struct {
	bit  ReasonSet
	code ReasonCode
}{
	{reasonEmergencyBit, ReasonEmergency},
	{reasonKeywordsBit, ReasonKeywords},
	{reasonHighIntensityBit, ReasonHighIntensity},
	{reasonDeviationBit, ReasonDeviation},
}

func reasonBit(code ReasonCode) ReasonSet {
	for _, r := range reasonOrder {
		if r.code == code {
			return r.bit
		}
	}
	return 0
}

// NewReasonSet builds a set from codes; unknown codes are ignored.
func NewReasonSet(codes ...ReasonCode) ReasonSet {
	var s ReasonSet
	for _, c := range codes {
		s |= reasonBit(c)
	}
	return s
}

func (s ReasonSet) Has(code ReasonCode) bool {
	b := reasonBit(code)
	return b != 0 && s&b != 0
}

func (s ReasonSet) With(code ReasonCode) ReasonSet { return s | reasonBit(code) }

func (s ReasonSet) Empty() bool { return s == 0 }

// Codes lists the members in a fixed order.
func (s ReasonSet) Codes() []ReasonCode {
	codes := make([]ReasonCode, 0, len(reasonOrder))
	for _, r := range reasonOrder {
		if s&r.bit != 0 {
			codes = append(codes, r.code)
		}
	}
	return codes
}

func (s ReasonSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Codes())
}

// TriageItem is what a reviewer sees for one risk-worthy event. It is
// rebuilt on every inbox load and never stored.
type TriageItem struct {
	Patient                *Patient            `json:"patient"`
	Event                  *LogEvent           `json:"log_event"`
	Reasons                ReasonSet           `json:"matched_risk_reasons"`
	Score                  int                 `json:"priority_score"`
	HasIntervention        bool                `json:"has_intervention"`
	MostRecentIntervention *InterventionRecord `json:"most_recent_intervention,omitempty"`
	SuggestedRiskLevel     RiskLevel           `json:"suggested_risk_level"`
}

// Summary holds the counters shown above the inbox.
type Summary struct {
	Total             int `json:"total"`
	Unreviewed        int `json:"unreviewed_count"`
	NeedsIntervention int `json:"needs_intervention_count"`
	Emergency         int `json:"emergency_count"`
}

// ReviewState is the (reviewed, hasIntervention) pair tracked per event.
type ReviewState struct {
	Reviewed        bool `json:"reviewed"`
	HasIntervention bool `json:"has_intervention"`
}

// Inconsistent reports the window where an intervention exists but the
// review flag write did not land.
func (s ReviewState) Inconsistent() bool {
	return s.HasIntervention && !s.Reviewed
}

// Resolved is the terminal steady state after a full cascade.
func (s ReviewState) Resolved() bool {
	return s.HasIntervention && s.Reviewed
}

func (i *TriageItem) State() ReviewState {
	return ReviewState{Reviewed: i.Event.Reviewed, HasIntervention: i.HasIntervention}
}
