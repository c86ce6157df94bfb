// Package sandbox generates synthetic centers, patients and daily logs for
// demo and development databases. Output is reproducible for a given seed.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindlog/triage/internal/domain/triage"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	CenterID   uuid.UUID
	CenterName string
	Patients   int
	Counselors int
	Days       int
	// LogRate is the chance a patient submits a log on a given day.
	LogRate float64
	Seed    int64
	Now     time.Time
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		CenterName: "Demo Counselling Center",
		Patients:   25,
		Counselors: 4,
		Days:       21,
		LogRate:    0.8,
		Seed:       1,
	}
}

// Dataset is one generated center.
type Dataset struct {
	CenterID   uuid.UUID
	CenterName string
	Counselors []uuid.UUID
	Patients   []*triage.Patient
	Logs       []*triage.LogEvent
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	CenterID   uuid.UUID     `json:"center_id"`
	Patients   int           `json:"patients"`
	Logs       int           `json:"logs"`
	RiskWorthy int           `json:"risk_worthy"`
	Duration   time.Duration `json:"duration"`
}

var (
	firstNames = []string{
		"Minjun", "Seoyeon", "Jiho", "Hayoon", "Doyun", "Jiwoo", "Eunwoo",
		"Sua", "Siwoo", "Jia", "Yejun", "Haeun", "Juwon", "Yuna", "Hajun",
		"Chaewon", "Gunwoo", "Dahyun", "Woojin", "Soyul",
	}
	lastNames = []string{
		"Kim", "Lee", "Park", "Choi", "Jung", "Kang", "Cho", "Yoon",
		"Jang", "Lim", "Han", "Oh", "Seo", "Shin", "Kwon",
	}
	emotions = []string{
		"calm", "anxious", "sad", "angry", "tired", "hopeful", "numb", "overwhelmed",
	}
	triggers = []string{
		"work", "family", "school", "relationship", "health", "money", "sleep", "none",
	}
	riskKeywords = []string{
		"hopeless", "self-harm", "worthless", "can't go on", "disappear",
	}
	riskLevels = []string{"LOW", "LOW", "LOW", "MODERATE", "HIGH"}
)

// DataGenerator produces reproducible synthetic records.
type DataGenerator struct {
	rng *rand.Rand
}

func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

// newID draws uuids from the seeded source so a seed always yields the same ids.
func (g *DataGenerator) newID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		panic(fmt.Sprintf("sandbox: uuid from seeded reader: %v", err))
	}
	return id
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) chance(p float64) bool {
	return g.rng.Float64() < p
}

// Generate builds a dataset. Each patient gets a baseline mood; most days
// stay near it and a few spike, carry risk keywords or raise the emergency flag.
func (g *DataGenerator) Generate(cfg SeedConfig) *Dataset {
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	ds := &Dataset{CenterID: cfg.CenterID, CenterName: cfg.CenterName}
	if ds.CenterID == uuid.Nil {
		ds.CenterID = g.newID()
	}
	center := ds.CenterID

	for i := 0; i < max(cfg.Counselors, 1); i++ {
		ds.Counselors = append(ds.Counselors, g.newID())
	}

	for i := 0; i < cfg.Patients; i++ {
		next := today.AddDate(0, 0, 1+g.rng.Intn(14))
		p := &triage.Patient{
			ID:               g.newID(),
			Name:             g.pick(firstNames) + " " + g.pick(lastNames),
			CounselorID:      ds.Counselors[g.rng.Intn(len(ds.Counselors))],
			CenterID:         &center,
			CurrentRiskLevel: g.pick(riskLevels),
			NextSessionDate:  &next,
		}
		ds.Patients = append(ds.Patients, p)

		baseline := 2 + g.rng.Intn(4)
		for d := cfg.Days - 1; d >= 0; d-- {
			if !g.chance(cfg.LogRate) {
				continue
			}
			ds.Logs = append(ds.Logs, g.generateLog(p, baseline, today.AddDate(0, 0, -d), d))
		}
	}
	return ds
}

func (g *DataGenerator) generateLog(p *triage.Patient, baseline int, day time.Time, daysAgo int) *triage.LogEvent {
	intensity := baseline + g.rng.Intn(3) - 1
	if g.chance(0.08) {
		intensity = 8 + g.rng.Intn(3)
	}
	intensity = min(max(intensity, 1), 10)

	sleep := float64(3+g.rng.Intn(13)) / 2
	ev := &triage.LogEvent{
		ID:               g.newID(),
		PatientID:        p.ID,
		CounselorID:      p.CounselorID,
		LogDate:          day,
		Emotion:          g.pick(emotions),
		Trigger:          g.pick(triggers),
		Intensity:        intensity,
		SleepHours:       &sleep,
		DetectedKeywords: []string{},
		IsEmergency:      g.chance(0.02),
		CreatedAt:        day.Add(time.Duration(8+g.rng.Intn(14)) * time.Hour),
	}
	// Older entries have mostly been looked at already.
	ev.Reviewed = daysAgo > 3 && g.chance(0.6)
	if g.chance(0.7) {
		took := g.chance(0.8)
		ev.TookMedication = &took
	}
	if g.chance(0.05) {
		ev.DetectedKeywords = append(ev.DetectedKeywords, g.pick(riskKeywords))
	}
	return ev
}

// Seeder writes generated datasets to the triage tables.
type Seeder struct {
	pool   *pgxpool.Pool
	config SeedConfig
}

func NewSeeder(pool *pgxpool.Pool, config SeedConfig) *Seeder {
	return &Seeder{pool: pool, config: config}
}

// Run generates one center and copies it into the database in a single
// transaction.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	ds := NewDataGenerator(s.config.Seed).Generate(s.config)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin seed transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO centers (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		ds.CenterID, ds.CenterName); err != nil {
		return nil, fmt.Errorf("insert center: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"patients"},
		[]string{"id", "center_id", "counselor_id", "name", "current_risk_level", "next_session_date"},
		pgx.CopyFromSlice(len(ds.Patients), func(i int) ([]any, error) {
			p := ds.Patients[i]
			return []any{p.ID, p.CenterID, p.CounselorID, p.Name, p.CurrentRiskLevel, p.NextSessionDate}, nil
		})); err != nil {
		return nil, fmt.Errorf("copy patients: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"patient_logs"},
		[]string{"id", "patient_id", "log_date", "emotion", "trigger", "intensity", "sleep_hours",
			"took_meds", "detected_keywords", "is_emergency", "is_reviewed", "created_at"},
		pgx.CopyFromSlice(len(ds.Logs), func(i int) ([]any, error) {
			l := ds.Logs[i]
			return []any{l.ID, l.PatientID, l.LogDate, l.Emotion, l.Trigger, l.Intensity, l.SleepHours,
				l.TookMedication, l.DetectedKeywords, l.IsEmergency, l.Reviewed, l.CreatedAt}, nil
		})); err != nil {
		return nil, fmt.Errorf("copy patient logs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit seed: %w", err)
	}

	return &SeedResult{
		CenterID:   ds.CenterID,
		Patients:   len(ds.Patients),
		Logs:       len(ds.Logs),
		RiskWorthy: ds.RiskWorthy(triage.DefaultPolicy()),
		Duration:   time.Since(start),
	}, nil
}

// RiskWorthy counts the generated logs the classifier would surface.
func (ds *Dataset) RiskWorthy(p triage.Policy) int {
	n := 0
	for _, l := range ds.Logs {
		if p.Classify(l, triage.Window{}).RiskWorthy {
			n++
		}
	}
	return n
}
