package triage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindlog/triage/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Log Store ===========

type logStorePG struct{ pool *pgxpool.Pool }

func NewLogStorePG(pool *pgxpool.Pool) LogStore {
	return &logStorePG{pool: pool}
}

const logCols = `l.id, l.patient_id, p.counselor_id, l.log_date, l.emotion, l.trigger,
	l.intensity, l.sleep_hours, l.took_meds, l.memo, l.detected_keywords,
	l.is_emergency, l.is_reviewed, l.created_at`

func scanLog(row pgx.Row) (*LogEvent, error) {
	var e LogEvent
	err := row.Scan(&e.ID, &e.PatientID, &e.CounselorID, &e.LogDate, &e.Emotion, &e.Trigger,
		&e.Intensity, &e.SleepHours, &e.TookMedication, &e.Memo, &e.DetectedKeywords,
		&e.IsEmergency, &e.Reviewed, &e.CreatedAt)
	return &e, err
}

func (r *logStorePG) ListEvents(ctx context.Context, scope Scope, from, to time.Time) ([]*LogEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+logCols+`
		FROM patient_logs l
		JOIN patients p ON p.id = l.patient_id
		WHERE p.center_id = $1
		  AND ($2::uuid IS NULL OR p.counselor_id = $2)
		  AND l.log_date BETWEEN $3::date AND $4::date
		ORDER BY l.created_at DESC, l.id`,
		scope.CenterID, scope.CounselorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LogEvent
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *logStorePG) GetEvent(ctx context.Context, scope Scope, eventID uuid.UUID) (*LogEvent, error) {
	e, err := scanLog(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+logCols+`
		FROM patient_logs l
		JOIN patients p ON p.id = l.patient_id
		WHERE p.center_id = $1
		  AND ($2::uuid IS NULL OR p.counselor_id = $2)
		  AND l.id = $3`,
		scope.CenterID, scope.CounselorID, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *logStorePG) SetReviewed(ctx context.Context, scope Scope, eventID uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient_logs l SET is_reviewed = TRUE
		FROM patients p
		WHERE p.id = l.patient_id
		  AND p.center_id = $1
		  AND ($2::uuid IS NULL OR p.counselor_id = $2)
		  AND l.id = $3`,
		scope.CenterID, scope.CounselorID, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// =========== Intervention Store ===========

type interventionStorePG struct{ pool *pgxpool.Pool }

func NewInterventionStorePG(pool *pgxpool.Pool) InterventionStore {
	return &interventionStorePG{pool: pool}
}

// relatedLogFKey is the foreign key from intervention_logs to patient_logs.
const relatedLogFKey = "intervention_logs_related_log_id_fkey"

const interventionCols = `id, center_id, patient_id, counselor_id, related_log_id,
	risk_level, actions_taken, note, created_at`

func scanIntervention(row pgx.Row) (*InterventionRecord, error) {
	var r InterventionRecord
	err := row.Scan(&r.ID, &r.CenterID, &r.PatientID, &r.CounselorID, &r.RelatedLogID,
		&r.RiskLevel, &r.ActionsTaken, &r.Note, &r.CreatedAt)
	return &r, err
}

func collectInterventions(rows pgx.Rows) ([]*InterventionRecord, error) {
	defer rows.Close()
	var items []*InterventionRecord
	for rows.Next() {
		r, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *interventionStorePG) Insert(ctx context.Context, r *InterventionRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO intervention_logs (id, center_id, patient_id, counselor_id, related_log_id,
			risk_level, actions_taken, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.CenterID, r.PatientID, r.CounselorID, r.RelatedLogID,
		r.RiskLevel, r.ActionsTaken, r.Note, r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == relatedLogFKey {
		return ErrEventNotFound
	}
	return err
}

func (s *interventionStorePG) ListSince(ctx context.Context, centerID uuid.UUID, createdAfter time.Time) ([]*InterventionRecord, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `
		SELECT `+interventionCols+` FROM intervention_logs
		WHERE center_id = $1 AND created_at >= $2 AND related_log_id IS NOT NULL`,
		centerID, createdAfter)
	if err != nil {
		return nil, err
	}
	return collectInterventions(rows)
}

func (s *interventionStorePG) ListByEvent(ctx context.Context, centerID, eventID uuid.UUID) ([]*InterventionRecord, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `
		SELECT `+interventionCols+` FROM intervention_logs
		WHERE center_id = $1 AND related_log_id = $2
		ORDER BY created_at DESC, id DESC`,
		centerID, eventID)
	if err != nil {
		return nil, err
	}
	return collectInterventions(rows)
}

func (s *interventionStorePG) List(ctx context.Context, scope Scope, limit, offset int) ([]*InterventionRecord, int, error) {
	var total int
	if err := conn(ctx, s.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM intervention_logs
		WHERE center_id = $1 AND ($2::uuid IS NULL OR counselor_id = $2)`,
		scope.CenterID, scope.CounselorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, s.pool).Query(ctx, `
		SELECT `+interventionCols+` FROM intervention_logs
		WHERE center_id = $1 AND ($2::uuid IS NULL OR counselor_id = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		scope.CenterID, scope.CounselorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectInterventions(rows)
	return items, total, err
}

// =========== Patient Directory ===========

type patientDirectoryPG struct{ pool *pgxpool.Pool }

func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &patientDirectoryPG{pool: pool}
}

const patientCols = `id, name, counselor_id, center_id, current_risk_level, next_session_date`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.CounselorID, &p.CenterID, &p.CurrentRiskLevel, &p.NextSessionDate)
	return &p, err
}

func (r *patientDirectoryPG) ListByCenter(ctx context.Context, centerID uuid.UUID) ([]*Patient, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+patientCols+` FROM patients WHERE center_id = $1`, centerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *patientDirectoryPG) GetByID(ctx context.Context, centerID, patientID uuid.UUID) (*Patient, error) {
	p, err := scanPatient(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE center_id = $1 AND id = $2`, centerID, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
