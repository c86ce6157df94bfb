package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mindlog/triage/internal/platform/auth"
)

// AuditEntry records who touched which triage data and how.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	CenterID   string
	Resource   string
	EventID    string
	Action     string // view, review, intervene
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. Without one the middleware only logs.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

const auditPrefix = "/api/v1/"

// Audit logs every /api/v1 request after it has been handled, including the
// caller, the center and the log event the request was about.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   extractResource(path),
				EventID:    extractEventID(path),
				Action:     auditAction(req.Method, path),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			if center := auth.CenterIDFromContext(ctx); center != uuid.Nil {
				entry.CenterID = center.String()
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "triage_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("center_id", entry.CenterID).
				Str("resource", entry.Resource).
				Str("event_id", entry.EventID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("patient_data_access")

			return err
		}
	}
}

// auditAction names what a request did to triage data.
func auditAction(method, path string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return "view"
	}
	switch {
	case strings.HasSuffix(path, "/review"):
		return "review"
	case strings.HasSuffix(path, "/interventions"):
		return "intervene"
	default:
		return strings.ToLower(method)
	}
}

// extractResource returns the first segment after /api/v1/, e.g. "triage".
func extractResource(path string) string {
	seg := strings.SplitN(strings.TrimPrefix(path, auditPrefix), "/", 2)
	if seg[0] == "" {
		return "unknown"
	}
	return seg[0]
}

// extractEventID finds the id in .../events/<uuid>/...
func extractEventID(path string) string {
	segments := strings.Split(path, "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] != "events" {
			continue
		}
		if _, err := uuid.Parse(segments[i+1]); err == nil {
			return segments[i+1]
		}
	}
	return ""
}
