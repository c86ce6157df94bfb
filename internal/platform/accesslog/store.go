// Package accesslog persists who read or changed patient triage data.
package accesslog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindlog/triage/internal/platform/middleware"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store writes audit entries to the access_log table. It satisfies
// middleware.AuditRecorder.
type Store struct {
	db      execer
	timeout time.Duration
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, timeout: 2 * time.Second}
}

const insertAccess = `
	INSERT INTO access_log (
		id, center_id, user_id, user_roles, action, resource, event_id,
		method, path, status, ip_address, user_agent, request_id, accessed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

// RecordAccess inserts one row. The write gets its own short deadline since
// it runs after the request context may already be done.
func (s *Store) RecordAccess(entry middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	roles := entry.UserRoles
	if roles == nil {
		roles = []string{}
	}

	_, err := s.db.Exec(ctx, insertAccess,
		uuid.New(), optionalUUID(entry.CenterID), entry.UserID, roles,
		entry.Action, entry.Resource, optionalUUID(entry.EventID),
		entry.Method, entry.Path, entry.StatusCode,
		entry.IPAddress, entry.UserAgent, entry.RequestID, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("access log: insert: %w", err)
	}
	return nil
}

// optionalUUID returns nil for empty or non-uuid input.
func optionalUUID(s string) *uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
